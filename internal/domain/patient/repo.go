package patient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the identity store the reconciliation engine depends on.
// Lookups that match nothing return ErrNotFound; other failures are
// reported as *StoreError.
type Store interface {
	FindByExternalID(ctx context.Context, externalID string) (*Patient, error)
	ExternalIDExists(ctx context.Context, externalID string) (bool, error)
	FindByNameAndBirthday(ctx context.Context, firstName, lastName string, birthday time.Time) ([]*Patient, error)
	Create(ctx context.Context, p *Patient) error
	Update(ctx context.Context, p *Patient) error
}

// Repository extends Store with the read operations used by the API layer.
type Repository interface {
	Store
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	Random(ctx context.Context) (*Patient, error)
}

// Locker serializes work on a key across concurrent callers. The returned
// unlock function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
