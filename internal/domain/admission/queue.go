package admission

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/admission/internal/domain/patient"
	"github.com/ehr/admission/internal/platform/queue"
)

// ResultPublisher sends outcome events downstream.
type ResultPublisher interface {
	Publish(ctx context.Context, correlationID string, v interface{}) error
}

// ResultEvent is published for every settled queue admission.
type ResultEvent struct {
	MessageID  string            `json:"message_id,omitempty"`
	Result     string            `json:"result"`
	PatientID  *uuid.UUID        `json:"patient_id,omitempty"`
	ExternalID *string           `json:"external_id,omitempty"`
	Error      string            `json:"error,omitempty"`
	Fields     *patient.FieldSet `json:"fields,omitempty"`
}

// NewResultEvent describes the result of one ingest.
func NewResultEvent(messageID string, res *patient.Result, err error) ResultEvent {
	ev := ResultEvent{MessageID: messageID, Result: ResultLabel(res, err)}
	if res != nil && res.Patient != nil {
		id := res.Patient.ID
		ev.PatientID = &id
		ev.ExternalID = res.Patient.ExternalID
	}
	if err != nil {
		ev.Error = err.Error()
		var mismatch *patient.MismatchError
		if errors.As(err, &mismatch) {
			fields := mismatch.Fields
			ev.Fields = &fields
		}
	}
	return ev
}

// DispositionFor decides how a queue delivery is settled after ingest.
// Unusable messages are dead-lettered; failures that may pass on retry are
// requeued; everything else, including refusals, is final.
func DispositionFor(err error) queue.Disposition {
	if err == nil {
		return queue.Ack
	}
	switch ResultLabel(nil, err) {
	case "extraction_error":
		return queue.Reject
	case "store_error", "cancelled", "error":
		return queue.Requeue
	}
	return queue.Ack
}

// NewQueueHandler adapts an Ingester to the queue consumer. pub may be nil,
// in which case no events are published.
func NewQueueHandler(ing Ingester, pub ResultPublisher, autoMerge bool, logger zerolog.Logger) queue.Handler {
	return func(ctx context.Context, msg queue.Message) queue.Disposition {
		res, err := ing.Ingest(WithTransport(ctx, TransportQueue), msg.Body, autoMerge)
		disp := DispositionFor(err)

		if pub != nil && disp != queue.Requeue {
			if perr := pub.Publish(ctx, msg.MessageID, NewResultEvent(msg.MessageID, res, err)); perr != nil {
				logger.Error().Err(perr).Str("message_id", msg.MessageID).Msg("failed to publish admission result")
			}
		}
		return disp
	}
}
