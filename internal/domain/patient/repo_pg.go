package patient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrExternalIDConflict is wrapped in a *StoreError when a write would give
// two records the same external identifier.
var ErrExternalIDConflict = errors.New("external id already assigned")

type patientRepoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns the Postgres-backed Repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, external_id, first_name, last_name, birthday, address, sex,
	telephone, email, created_at, updated_at`

func (r *patientRepoPG) FindByExternalID(ctx context.Context, externalID string) (*Patient, error) {
	p, err := scanPatient(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, storeErr("find by external id", err)
	}
	return p, nil
}

func (r *patientRepoPG) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE external_id = $1)`, externalID).Scan(&exists)
	if err != nil {
		return false, storeErr("external id exists", err)
	}
	return exists, nil
}

func (r *patientRepoPG) FindByNameAndBirthday(ctx context.Context, firstName, lastName string, birthday time.Time) ([]*Patient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+patientCols+` FROM patients
		WHERE first_name = $1 AND last_name = $2 AND birthday = $3
		ORDER BY created_at`,
		firstName, lastName, DateOnly(birthday),
	)
	if err != nil {
		return nil, storeErr("find by name and birthday", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, storeErr("find by name and birthday", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find by name and birthday", err)
	}
	return patients, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO patients (
			id, external_id, first_name, last_name, birthday, address, sex, telephone, email
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		p.ID, p.ExternalID, p.FirstName, p.LastName, DateOnly(p.Birthday), p.Address, p.Sex, p.Telephone, p.Email,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		p.ID = uuid.Nil
		return storeErr("create", err)
	}
	return nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE patients SET
			external_id=$2, first_name=$3, last_name=$4, birthday=$5, address=$6, sex=$7,
			telephone=$8, email=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.ExternalID, p.FirstName, p.LastName, DateOnly(p.Birthday), p.Address, p.Sex, p.Telephone, p.Email,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return storeErr("update", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if err != nil {
		return nil, storeErr("get by id", err)
	}
	return p, nil
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&total); err != nil {
		return nil, 0, storeErr("list", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY last_name, first_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, storeErr("list", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, storeErr("list", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeErr("list", err)
	}
	return patients, total, nil
}

func (r *patientRepoPG) Random(ctx context.Context) (*Patient, error) {
	p, err := scanPatient(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patients ORDER BY random() LIMIT 1`))
	if err != nil {
		return nil, storeErr("random", err)
	}
	return p, nil
}

// scanPatient reads one row in patientCols order. pgx.Rows satisfies
// pgx.Row, so it serves both single and multi-row queries.
func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.ExternalID, &p.FirstName, &p.LastName, &p.Birthday, &p.Address, &p.Sex,
		&p.Telephone, &p.Email, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// storeErr maps driver errors onto the store contract: no rows becomes
// ErrNotFound, everything else a *StoreError.
func storeErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "patients_external_id_key" {
		return &StoreError{Op: op, Err: ErrExternalIDConflict}
	}
	return &StoreError{Op: op, Err: err}
}
