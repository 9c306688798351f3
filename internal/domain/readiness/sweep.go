package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr-billing/internal/domain/clinicalnote"
	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
	"github.com/mentalspace/ehr-billing/internal/platform/lock"
)

// ErrSweepRunning is returned when another sweep holds the tenant's lock.
var ErrSweepRunning = errors.New("a readiness sweep is already running for this tenant")

// Checkpoint is the resume point of a tenant's sweep. A run that stops early
// leaves Completed false.
type Checkpoint struct {
	TenantID   string    `json:"tenant_id"`
	RunID      uuid.UUID `json:"run_id"`
	LastNoteID uuid.UUID `json:"last_note_id"`
	Completed  bool      `json:"completed"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Failure struct {
	RunID          uuid.UUID `json:"run_id"`
	ClinicalNoteID uuid.UUID `json:"clinical_note_id"`
	Error          string    `json:"error"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type CheckpointStore interface {
	// Load returns nil when the tenant has never been swept.
	Load(ctx context.Context, tenantID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	RecordFailure(ctx context.Context, f *Failure) error
	ListFailures(ctx context.Context, runID uuid.UUID) ([]*Failure, error)
}

type SweepOptions struct {
	TenantID  string
	BatchSize int
	// Resume continues an unfinished run from its checkpoint instead of
	// starting over.
	Resume      bool
	CreateHolds bool
	LockTTL     time.Duration
}

type SweepReport struct {
	RunID      uuid.UUID `json:"run_id"`
	Resumed    bool      `json:"resumed"`
	Processed  int       `json:"processed"`
	Billable   int       `json:"billable"`
	Blocked    int       `json:"blocked"`
	Failed     int       `json:"failed"`
	LastNoteID uuid.UUID `json:"last_note_id"`
	// Stopped is true when the run was cancelled before reaching the end.
	Stopped bool `json:"stopped"`
}

// Sweeper re-checks every unbilled note of one tenant, sequentially.
type Sweeper struct {
	orch        *Orchestrator
	notes       clinicalnote.Repository
	checkpoints CheckpointStore
	locker      lock.Locker
	logger      zerolog.Logger
	now         func() time.Time
}

func NewSweeper(orch *Orchestrator, notes clinicalnote.Repository, checkpoints CheckpointStore, locker lock.Locker, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		orch:        orch,
		notes:       notes,
		checkpoints: checkpoints,
		locker:      locker,
		logger:      logger,
		now:         time.Now,
	}
}

// Run processes notes in id order after the checkpoint. Cancelling ctx stops
// the run after the item in progress; the checkpoint then points at the last
// finished note. Per-note failures are recorded and do not stop the run.
func (s *Sweeper) Run(ctx context.Context, opts SweepOptions) (*SweepReport, error) {
	if opts.BatchSize <= 0 {
		return nil, apperr.Validation("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Hour
	}

	key := lock.SweepKey(opts.TenantID)
	token, ok, err := s.locker.TryLock(ctx, key, opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, ErrSweepRunning
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", opts.TenantID).Msg("release sweep lock")
		}
	}()

	cp, report, err := s.start(ctx, opts)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("tenant_id", opts.TenantID).Str("run_id", cp.RunID.String()).Logger()
	log.Info().Bool("resumed", report.Resumed).Str("after", cp.LastNoteID.String()).Msg("readiness sweep started")

	// Items run on a context that survives cancellation so a note is never
	// left half reconciled.
	work := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			report.Stopped = true
			break
		}
		batch, err := s.notes.ListUnbilledAfter(ctx, cp.LastNoteID, opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				report.Stopped = true
				break
			}
			return report, fmt.Errorf("list unbilled notes: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, note := range batch {
			if ctx.Err() != nil {
				report.Stopped = true
				break
			}
			if err := s.process(work, log, cp.RunID, note, opts, report); err != nil {
				return report, err
			}
			cp.LastNoteID = note.ClinicalNoteID
			cp.UpdatedAt = s.now().UTC()
			report.LastNoteID = note.ClinicalNoteID
			if err := s.checkpoints.Save(work, cp); err != nil {
				return report, fmt.Errorf("save sweep checkpoint: %w", err)
			}
		}
		if report.Stopped || len(batch) < opts.BatchSize {
			break
		}
	}

	if !report.Stopped {
		cp.Completed = true
		cp.UpdatedAt = s.now().UTC()
		if err := s.checkpoints.Save(work, cp); err != nil {
			return report, fmt.Errorf("save sweep checkpoint: %w", err)
		}
	}

	log.Info().
		Int("processed", report.Processed).
		Int("billable", report.Billable).
		Int("blocked", report.Blocked).
		Int("failed", report.Failed).
		Bool("stopped", report.Stopped).
		Msg("readiness sweep finished")
	return report, nil
}

func (s *Sweeper) start(ctx context.Context, opts SweepOptions) (*Checkpoint, *SweepReport, error) {
	now := s.now().UTC()
	if opts.Resume {
		cp, err := s.checkpoints.Load(ctx, opts.TenantID)
		if err != nil {
			return nil, nil, fmt.Errorf("load sweep checkpoint: %w", err)
		}
		if cp != nil && !cp.Completed {
			return cp, &SweepReport{RunID: cp.RunID, Resumed: true, LastNoteID: cp.LastNoteID}, nil
		}
	}
	cp := &Checkpoint{TenantID: opts.TenantID, RunID: uuid.New(), StartedAt: now, UpdatedAt: now}
	if err := s.checkpoints.Save(ctx, cp); err != nil {
		return nil, nil, fmt.Errorf("save sweep checkpoint: %w", err)
	}
	return cp, &SweepReport{RunID: cp.RunID}, nil
}

// process checks one note. Only a failure to record a failure is returned.
func (s *Sweeper) process(ctx context.Context, log zerolog.Logger, runID uuid.UUID, note *clinicalnote.NoteContext, opts SweepOptions, report *SweepReport) error {
	report.Processed++
	res, err := s.orch.CheckContext(ctx, note, Options{CreateHolds: opts.CreateHolds})
	if err != nil && apperr.Retryable(err) {
		log.Warn().Err(err).Str("clinical_note_id", note.ClinicalNoteID.String()).Msg("readiness check failed, retrying")
		res, err = s.orch.CheckContext(ctx, note, Options{CreateHolds: opts.CreateHolds})
	}
	if err != nil {
		report.Failed++
		log.Error().Err(err).Str("clinical_note_id", note.ClinicalNoteID.String()).Msg("readiness check failed")
		f := &Failure{RunID: runID, ClinicalNoteID: note.ClinicalNoteID, Error: err.Error(), OccurredAt: s.now().UTC()}
		if rerr := s.checkpoints.RecordFailure(ctx, f); rerr != nil {
			return fmt.Errorf("record sweep failure for note %s: %w", note.ClinicalNoteID, rerr)
		}
		return nil
	}
	if res.CanBill {
		report.Billable++
	} else {
		report.Blocked++
	}
	return nil
}
