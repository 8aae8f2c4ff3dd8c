package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/admission/internal/domain/patient"
)

// sampleA01 is the admission the registry receives for Max Mustermann.
const sampleA01 = "MSH|^~\\&|KIS|Klinikum|Admission|Registry|20240115143025||ADT^A01^ADT_A01|MSG00001|P|2.5\r" +
	"EVN|A01|20240115143025\r" +
	"PID|1||123456^^^Klinikum^MR~987654^^^Registry^PI||Mustermann^Max^^^Herr||19900101|M|||Mockstreet 1^^Mockcity^^12345^Deutschland||^PRN^PH^max.mustermann@mail.de^49^123^1234567\r" +
	"PV1|1|I|ICU^101^A"

type fakeRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*patient.Patient
	creates  int
	updates  int
	failWith error
}

func newFakeRepo(seed ...*patient.Patient) *fakeRepo {
	r := &fakeRepo{patients: make(map[uuid.UUID]*patient.Patient)}
	for _, p := range seed {
		c := p.Clone()
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		r.patients[c.ID] = c
	}
	return r
}

func (r *fakeRepo) FindByExternalID(_ context.Context, externalID string) (*patient.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	for _, p := range r.patients {
		if p.ExternalID != nil && *p.ExternalID == externalID {
			return p.Clone(), nil
		}
	}
	return nil, patient.ErrNotFound
}

func (r *fakeRepo) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	_, err := r.FindByExternalID(ctx, externalID)
	if err == patient.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r *fakeRepo) FindByNameAndBirthday(_ context.Context, firstName, lastName string, birthday time.Time) ([]*patient.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*patient.Patient
	for _, p := range r.patients {
		if p.FirstName == firstName && p.LastName == lastName && patient.DateOnly(p.Birthday).Equal(patient.DateOnly(birthday)) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (r *fakeRepo) Create(_ context.Context, p *patient.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	r.patients[p.ID] = p.Clone()
	r.creates++
	return nil
}

func (r *fakeRepo) Update(_ context.Context, p *patient.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[p.ID]; !ok {
		return patient.ErrNotFound
	}
	p.UpdatedAt = time.Now()
	r.patients[p.ID] = p.Clone()
	r.updates++
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *fakeRepo) List(_ context.Context, limit, offset int) ([]*patient.Patient, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*patient.Patient, 0, len(r.patients))
	for _, p := range r.patients {
		all = append(all, p.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastName < all[j].LastName })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *fakeRepo) Random(_ context.Context) (*patient.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		return p.Clone(), nil
	}
	return nil, patient.ErrNotFound
}

func (r *fakeRepo) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates + r.updates
}

func maxMustermann() *patient.Patient {
	return &patient.Patient{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		ExternalID: patient.StringPtr("123456"),
		FirstName:  "Max",
		LastName:   "Mustermann",
		Birthday:   time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		Address:    "Mockstreet 1, 12345 Mockcity, Deutschland",
		Sex:        "M",
		Telephone:  patient.StringPtr("+49 123 1234567"),
		Email:      patient.StringPtr("max.mustermann@mail.de"),
	}
}
