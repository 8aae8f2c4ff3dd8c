package admission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/admission/internal/domain/patient"
	"github.com/ehr/admission/internal/platform/metrics"
)

// Transport names used to label metrics and log lines.
const (
	TransportHTTP  = "http"
	TransportMLLP  = "mllp"
	TransportQueue = "queue"
	TransportCLI   = "cli"
)

type transportKey struct{}

// WithTransport tags ctx with the transport an admission arrived on.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

func transportFrom(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok {
		return t
	}
	return "unknown"
}

// Service is the single entry point for admissions, whatever transport
// they arrive on. It also serves the manual patient operations.
type Service struct {
	engine  *patient.Engine
	repo    patient.Repository
	gen     *patient.Generator
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewService wires the service. m may be nil.
func NewService(engine *patient.Engine, repo patient.Repository, gen *patient.Generator, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if gen == nil {
		gen = patient.NewGenerator(nil, 0)
	}
	return &Service{engine: engine, repo: repo, gen: gen, metrics: m, logger: logger}
}

// Ingest extracts the patient from raw and reconciles it against the store.
func (s *Service) Ingest(ctx context.Context, raw []byte, autoMerge bool) (*patient.Result, error) {
	start := time.Now()
	transport := transportFrom(ctx)

	res, controlID, err := s.ingest(ctx, raw, autoMerge)
	s.metrics.ObserveReconcile(transport, ResultLabel(res, err), time.Since(start))

	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Warn().Err(err)
		if isInfrastructure(err) {
			ev = s.logger.Error().Err(err)
		}
	}
	ev = ev.Str("transport", transport).
		Str("control_id", controlID).
		Bool("auto_merge", autoMerge).
		Dur("duration", time.Since(start))
	if res != nil {
		ev = ev.Str("outcome", string(res.Outcome)).Str("patient_id", res.Patient.ID.String())
		if res.Patient.ExternalID != nil {
			ev = ev.Str("external_id", *res.Patient.ExternalID)
		}
	}
	ev.Msg("admission reconciled")

	return res, err
}

func (s *Service) ingest(ctx context.Context, raw []byte, autoMerge bool) (*patient.Result, string, error) {
	a, err := Read(raw)
	if err != nil {
		return nil, "", err
	}
	res, err := s.engine.Reconcile(ctx, a.Patient, autoMerge, a.ExternalIDs...)
	return res, a.Message.ControlID, err
}

// ResultLabel names the outcome or error class of an ingest for metrics.
func ResultLabel(res *patient.Result, err error) string {
	var (
		extractErr *ExtractionError
		mismatch   *patient.MismatchError
		storeErr   *patient.StoreError
	)
	switch {
	case err == nil && res != nil:
		return string(res.Outcome)
	case errors.As(err, &extractErr):
		return "extraction_error"
	case errors.As(err, &mismatch):
		return "mismatch"
	case errors.Is(err, patient.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, patient.ErrIdentifierSpaceExhausted):
		return "exhausted"
	case errors.Is(err, patient.ErrNotFound):
		return "not_found"
	case errors.Is(err, patient.ErrInvalid):
		return "invalid"
	case errors.As(err, &storeErr):
		return "store_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// isInfrastructure reports failures that are not about the message itself.
func isInfrastructure(err error) bool {
	switch ResultLabel(nil, err) {
	case "extraction_error", "mismatch", "duplicate":
		return false
	}
	return true
}

// Get returns a patient by internal ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns one page of patients and the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*patient.Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Random returns an arbitrary stored patient.
func (s *Service) Random(ctx context.Context) (*patient.Patient, error) {
	return s.repo.Random(ctx)
}

// Create stores a manually entered patient. Without an external ID a fresh
// one is minted.
func (s *Service) Create(ctx context.Context, p *patient.Patient) (*patient.Patient, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := p.Clone()
	if out.ExternalID == nil {
		id, err := s.gen.Generate(ctx, s.repo.ExternalIDExists)
		if err != nil {
			return nil, err
		}
		out.ExternalID = &id
	}
	out.Birthday = patient.DateOnly(out.Birthday)
	if err := s.repo.Create(ctx, out); err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", out.ID.String()).Str("external_id", *out.ExternalID).Msg("patient created manually")
	return out, nil
}

// Update replaces the demographics of patient id with those of p. The
// external ID changes only when p carries one.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p *patient.Patient) (*patient.Patient, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := existing.WithDemographics(p)
	out.Birthday = patient.DateOnly(out.Birthday)
	if p.ExternalID != nil {
		out.ExternalID = p.ExternalID
	}
	if err := s.repo.Update(ctx, out); err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", out.ID.String()).Msg("patient updated manually")
	return out, nil
}
