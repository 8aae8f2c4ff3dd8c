package patient

import (
	"context"
	"errors"

	"github.com/ehr/admission/internal/platform/lock"
)

// Outcome tags the terminal branch a reconciliation ended in.
type Outcome string

const (
	// OutcomeUnchanged: the stored record already agreed with the incoming one.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeMerged: mismatches were overwritten with the incoming values.
	OutcomeMerged Outcome = "merged"
	// OutcomeCreated: no stored record matched, a new one was persisted.
	OutcomeCreated Outcome = "created"
	// OutcomeLinked: one stored record matched by name and birthday and
	// received the newly minted external identifier.
	OutcomeLinked Outcome = "linked"
)

// Result is the successful outcome of Engine.Reconcile.
type Result struct {
	Patient *Patient `json:"patient"`
	Outcome Outcome  `json:"outcome"`
}

// Engine decides whether an incoming record refers to a known patient, a
// conflicting duplicate or a new patient. It holds no per-call state and
// is safe for concurrent use.
type Engine struct {
	store  Store
	gen    *Generator
	locker Locker
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLocker sets the locker that serializes creation per identity key.
func WithLocker(l Locker) EngineOption {
	return func(e *Engine) {
		e.locker = l
	}
}

// NewEngine wires an engine to its store and identifier generator. Without
// WithLocker an in-process keyed mutex is used.
func NewEngine(store Store, gen *Generator, opts ...EngineOption) *Engine {
	e := &Engine{store: store, gen: gen}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = lock.NewMemory()
	}
	if e.gen == nil {
		e.gen = NewGenerator(nil, 0)
	}
	return e
}

// Reconcile matches incoming against the store. incoming.ExternalID, when
// set, is probed first, followed by knownIDs in order; the first identifier
// the store knows selects the stored record. Without a hit the engine falls
// back to a (first name, last name, birthday) search.
//
// Failures are *MismatchError, *DuplicateError, ErrIdentifierSpaceExhausted
// or whatever the store returned. The store is written at most once, and
// only after every error branch has been ruled out.
func (e *Engine) Reconcile(ctx context.Context, incoming *Patient, autoMerge bool, knownIDs ...string) (*Result, error) {
	stored, err := e.lookupExternal(ctx, incoming, knownIDs)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return e.compareExisting(ctx, stored, incoming, autoMerge)
	}
	return e.duplicateSearch(ctx, incoming)
}

// lookupExternal probes the incoming external id, then knownIDs in message
// order. The first identifier the store knows wins; later ones are not
// consulted even if they belong to another record.
func (e *Engine) lookupExternal(ctx context.Context, incoming *Patient, knownIDs []string) (*Patient, error) {
	ids := make([]string, 0, len(knownIDs)+1)
	if incoming.ExternalID != nil && *incoming.ExternalID != "" {
		ids = append(ids, *incoming.ExternalID)
	}
	ids = append(ids, knownIDs...)

	for _, id := range ids {
		if id == "" {
			continue
		}
		stored, err := e.store.FindByExternalID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return stored, nil
	}
	return nil, nil
}

func (e *Engine) compareExisting(ctx context.Context, stored, incoming *Patient, autoMerge bool) (*Result, error) {
	mismatches := Compare(stored, incoming)
	if mismatches.IsEmpty() {
		return &Result{Patient: stored, Outcome: OutcomeUnchanged}, nil
	}
	if !autoMerge {
		return nil, &MismatchError{Fields: mismatches}
	}

	merged := stored.WithDemographics(incoming)
	if err := e.store.Update(ctx, merged); err != nil {
		return nil, err
	}
	return &Result{Patient: merged, Outcome: OutcomeMerged}, nil
}

func (e *Engine) duplicateSearch(ctx context.Context, incoming *Patient) (*Result, error) {
	candidate := incoming.Clone()

	externalID, err := e.gen.Generate(ctx, e.store.ExternalIDExists)
	if err != nil {
		return nil, err
	}
	candidate.ExternalID = &externalID

	unlock, err := e.locker.Lock(ctx, candidate.IdentityKey())
	if err != nil {
		return nil, err
	}
	defer unlock()

	matches, err := e.store.FindByNameAndBirthday(ctx, candidate.FirstName, candidate.LastName, candidate.Birthday)
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		if err := e.store.Create(ctx, candidate); err != nil {
			return nil, err
		}
		return &Result{Patient: candidate, Outcome: OutcomeCreated}, nil
	case 1:
		existing := matches[0].WithDemographics(candidate)
		existing.ExternalID = candidate.ExternalID
		if err := e.store.Update(ctx, existing); err != nil {
			return nil, err
		}
		return &Result{Patient: existing, Outcome: OutcomeLinked}, nil
	default:
		return nil, &DuplicateError{Count: len(matches)}
	}
}
