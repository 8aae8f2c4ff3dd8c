package admission

import (
	"context"
	"errors"

	"github.com/ehr/admission/internal/platform/hl7v2"
	"github.com/ehr/admission/internal/platform/metrics"
)

// NewMLLPHandler adapts an Ingester to the MLLP server. Every admission is
// answered: AA when reconciled, AR when the message itself is unusable and
// AE for everything else. MSA-3 carries the error text.
func NewMLLPHandler(ing Ingester, autoMerge bool, m *metrics.Metrics) hl7v2.MessageHandler {
	return func(ctx context.Context, msg *hl7v2.Message) *hl7v2.Message {
		raw := msg.Raw
		if raw == nil {
			raw = hl7v2.SerializeMessage(msg)
		}

		code, text := hl7v2.AckAccept, ""
		if _, err := ing.Ingest(WithTransport(ctx, TransportMLLP), raw, autoMerge); err != nil {
			code, text = AckCodeFor(err), err.Error()
		}
		m.IncrementMLLPAck(code)
		return hl7v2.GenerateACK(msg, code, text)
	}
}

// AckCodeFor maps an ingest error to its MSA-1 acknowledgment code.
func AckCodeFor(err error) string {
	var extractErr *ExtractionError
	switch {
	case err == nil:
		return hl7v2.AckAccept
	case errors.As(err, &extractErr):
		return hl7v2.AckReject
	default:
		return hl7v2.AckError
	}
}
