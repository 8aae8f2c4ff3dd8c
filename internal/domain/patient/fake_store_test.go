package patient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- In-memory Store --

type fakeStore struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient

	creates int
	updates int

	// findDelay widens the window between duplicate search and write so
	// concurrency tests can observe races.
	findDelay time.Duration
	failWith  error
}

func newFakeStore(seed ...*Patient) *fakeStore {
	s := &fakeStore{patients: make(map[uuid.UUID]*Patient)}
	for _, p := range seed {
		c := p.Clone()
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		s.patients[c.ID] = c
	}
	return s
}

func (s *fakeStore) FindByExternalID(_ context.Context, externalID string) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, p := range s.patients {
		if p.ExternalID != nil && *p.ExternalID == externalID {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	_, err := s.FindByExternalID(ctx, externalID)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *fakeStore) FindByNameAndBirthday(_ context.Context, firstName, lastName string, birthday time.Time) ([]*Patient, error) {
	s.mu.Lock()
	var out []*Patient
	for _, p := range s.patients {
		if p.FirstName == firstName && p.LastName == lastName && DateOnly(p.Birthday).Equal(DateOnly(birthday)) {
			out = append(out, p.Clone())
		}
	}
	delay := s.findDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return out, nil
}

func (s *fakeStore) Create(_ context.Context, p *Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	s.patients[p.ID] = p.Clone()
	s.creates++
	return nil
}

func (s *fakeStore) Update(_ context.Context, p *Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now()
	s.patients[p.ID] = p.Clone()
	s.updates++
	return nil
}

func (s *fakeStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates + s.updates
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patients)
}

// -- Deterministic random source --

type sequenceSource struct {
	values []int
	next   int
}

func (s *sequenceSource) IntN(n int) int {
	v := s.values[s.next%len(s.values)]
	s.next++
	return v % n
}

// -- Fixtures --

func ptr(s string) *string { return &s }

func maxMustermann() *Patient {
	return &Patient{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		ExternalID: ptr("123456"),
		FirstName:  "Max",
		LastName:   "Mustermann",
		Birthday:   time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		Address:    "Mockstreet 1, 12345 Mockcity, Deutschland",
		Sex:        "M",
		Telephone:  ptr("+49 123 1234567"),
		Email:      ptr("max.mustermann@mail.de"),
	}
}

// incomingFrom strips identity from p so it looks like an extracted record.
func incomingFrom(p *Patient) *Patient {
	c := p.Clone()
	c.ID = uuid.Nil
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}
	return c
}
