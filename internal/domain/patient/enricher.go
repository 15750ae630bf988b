package patient

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/medflow/doctor-relay/pkg/payload"
)

// Enricher attaches a patient snapshot to assignment payloads and keeps the
// local cache current. Every failure is logged and the payload is delivered
// with whatever it already carries.
type Enricher struct {
	fetcher Fetcher
	repo    Repository
	logger  zerolog.Logger
}

// NewEnricher creates an Enricher. Either collaborator may be nil.
func NewEnricher(fetcher Fetcher, repo Repository, logger zerolog.Logger) *Enricher {
	return &Enricher{
		fetcher: fetcher,
		repo:    repo,
		logger:  logger.With().Str("component", "patient_enricher").Logger(),
	}
}

// Enrich returns a copy of p with a "patient" object. An embedded snapshot
// that already has a name is kept as is; otherwise the local cache and then
// the origin service are consulted.
func (e *Enricher) Enrich(ctx context.Context, p map[string]any) map[string]any {
	out := payload.Clone(p)

	patientID := payload.String(out, "patient_id")
	embedded, _ := payload.Object(out, "patient")
	if embedded != nil {
		snap := FromMap(embedded)
		if snap.ID == "" {
			snap.ID = patientID
		}
		if snap.HasDetail() {
			e.store(ctx, snap)
			return out
		}
		if patientID == "" {
			patientID = snap.ID
		}
	}
	if patientID == "" {
		return out
	}

	snap := e.lookup(ctx, patientID)
	if snap == nil {
		return out
	}

	merged := snap.ToMap()
	for k, v := range embedded {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	out["patient"] = merged
	return out
}

func (e *Enricher) lookup(ctx context.Context, id string) *Patient {
	if e.fetcher != nil {
		res := e.fetcher.FetchPatient(ctx, id)
		if res.Ok() {
			snap := *res.Patient
			e.store(ctx, &snap)
			return &snap
		}
		e.logger.Warn().Err(res.Err).Str("patient_id", id).Msg("patient side-fetch failed, delivering partial data")
	}

	if e.repo != nil {
		if p, err := e.repo.GetByID(ctx, id); err == nil && p.HasDetail() {
			return p
		}
	}
	return nil
}

func (e *Enricher) store(ctx context.Context, p *Patient) {
	if e.repo == nil || p.ID == "" {
		return
	}
	if err := e.repo.Upsert(ctx, p); err != nil {
		e.logger.Warn().Err(err).Str("patient_id", p.ID).Msg("patient cache upsert failed")
	}
}
