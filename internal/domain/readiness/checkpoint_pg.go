package readiness

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/db"
)

type checkpointPG struct{ pool *pgxpool.Pool }

func NewCheckpointStorePG(pool *pgxpool.Pool) CheckpointStore { return &checkpointPG{pool: pool} }

func (r *checkpointPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

func (r *checkpointPG) Load(ctx context.Context, tenantID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT tenant_id, run_id, last_note_id, completed, started_at, updated_at
		FROM readiness_sweep_checkpoint WHERE tenant_id = $1`, tenantID).
		Scan(&cp.TenantID, &cp.RunID, &cp.LastNoteID, &cp.Completed, &cp.StartedAt, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Infrastructure("load sweep checkpoint", err)
	}
	return &cp, nil
}

func (r *checkpointPG) Save(ctx context.Context, cp *Checkpoint) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO readiness_sweep_checkpoint (tenant_id, run_id, last_note_id, completed, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			last_note_id = EXCLUDED.last_note_id,
			completed = EXCLUDED.completed,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at`,
		cp.TenantID, cp.RunID, cp.LastNoteID, cp.Completed, cp.StartedAt, cp.UpdatedAt)
	if err != nil {
		return apperr.Infrastructure("save sweep checkpoint", err)
	}
	return nil
}

func (r *checkpointPG) RecordFailure(ctx context.Context, f *Failure) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO readiness_sweep_failure (run_id, clinical_note_id, error, occurred_at)
		VALUES ($1, $2, $3, $4)`,
		f.RunID, f.ClinicalNoteID, f.Error, f.OccurredAt)
	if err != nil {
		return apperr.Infrastructure("record sweep failure", err)
	}
	return nil
}

func (r *checkpointPG) ListFailures(ctx context.Context, runID uuid.UUID) ([]*Failure, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT run_id, clinical_note_id, error, occurred_at
		FROM readiness_sweep_failure WHERE run_id = $1
		ORDER BY occurred_at, clinical_note_id`, runID)
	if err != nil {
		return nil, apperr.Infrastructure("list sweep failures", err)
	}
	defer rows.Close()

	var out []*Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.RunID, &f.ClinicalNoteID, &f.Error, &f.OccurredAt); err != nil {
			return nil, apperr.Infrastructure("list sweep failures", err)
		}
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure("list sweep failures", err)
	}
	return out, nil
}
