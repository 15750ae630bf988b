package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type patientRepoPG struct {
	db querier
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{db: pool}
}

const patientCols = `id, name, dob, contact, allergies, medical_history, updated_at`

func (r *patientRepoPG) Upsert(ctx context.Context, p *Patient) error {
	if p.ID == "" {
		return errors.New("patient upsert: missing id")
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO patient_cache (id, name, dob, contact, allergies, medical_history, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), patient_cache.name),
			dob = COALESCE(NULLIF(EXCLUDED.dob, ''), patient_cache.dob),
			contact = COALESCE(NULLIF(EXCLUDED.contact, ''), patient_cache.contact),
			allergies = COALESCE(NULLIF(EXCLUDED.allergies, ''), patient_cache.allergies),
			medical_history = COALESCE(NULLIF(EXCLUDED.medical_history, ''), patient_cache.medical_history),
			updated_at = NOW()
		RETURNING updated_at`,
		p.ID, p.Name, p.DateOfBirth, p.Contact, p.Allergies, p.MedicalHistory,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("patient upsert: %w", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	err := r.db.QueryRow(ctx, `SELECT `+patientCols+` FROM patient_cache WHERE id = $1`, id).Scan(
		&p.ID, &p.Name, &p.DateOfBirth, &p.Contact, &p.Allergies, &p.MedicalHistory, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patient get by id: %w", err)
	}
	return &p, nil
}
