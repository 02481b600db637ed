package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moolen/sentinel/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// actionRow is the durable form of an ActionRecord. The full record is kept
// as JSON; the indexed columns serve the time window and signature queries.
type actionRow struct {
	ID              uint64              `gorm:"primaryKey;autoIncrement"`
	Timestamp       time.Time           `gorm:"index;not null"`
	ActionType      string              `gorm:"size:64;index"`
	TargetKind      string              `gorm:"size:32"`
	TargetNamespace string              `gorm:"size:253"`
	TargetName      string              `gorm:"size:253"`
	DryRun          bool                `gorm:"not null"`
	Allowed         bool                `gorm:"not null"`
	Success         bool                `gorm:"not null"`
	Record          models.ActionRecord `gorm:"serializer:json;type:jsonb;not null"`
}

func (actionRow) TableName() string { return "sentinel_actions" }

// outcomeRow holds the single outcome of an action. The primary key enforces
// at most one per action.
type outcomeRow struct {
	ActionID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	Outcome           string `gorm:"size:16;not null"`
	ResolutionSeconds float64
	Notes             string
	RecordedAt        time.Time
}

func (outcomeRow) TableName() string { return "sentinel_action_outcomes" }

// SQLStore keeps the ledger in PostgreSQL via gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore connects to dsn and migrates the ledger tables.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore uses an existing connection.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&actionRow{}, &outcomeRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Append(ctx context.Context, rec models.ActionRecord) (models.ActionRecord, error) {
	rec.Outcome = nil
	row := actionRow{
		Timestamp:       rec.Timestamp,
		ActionType:      string(rec.Action.Type),
		TargetKind:      string(rec.Action.Target.Kind),
		TargetNamespace: rec.Action.Target.Namespace,
		TargetName:      rec.Action.Target.Name,
		DryRun:          rec.DryRun,
		Allowed:         rec.Decision.Allowed,
		Success:         rec.Success,
		Record:          rec,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.ActionRecord{}, fmt.Errorf("failed to append ledger record: %w", err)
	}
	// the stored JSON never carries the id; the row key is authoritative
	rec.ID = row.ID
	return rec, nil
}

func (s *SQLStore) AttachOutcome(ctx context.Context, outcome models.ActionOutcome) (models.ActionRecord, error) {
	var rec models.ActionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row actionRow
		if err := tx.First(&row, outcome.ActionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", models.ErrActionNotFound, outcome.ActionID)
			}
			return err
		}
		err := tx.Create(&outcomeRow{
			ActionID:          outcome.ActionID,
			Outcome:           string(outcome.Outcome),
			ResolutionSeconds: outcome.ResolutionSeconds,
			Notes:             outcome.Notes,
			RecordedAt:        outcome.RecordedAt,
		}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: action %d", models.ErrOutcomeExists, outcome.ActionID)
		}
		if err != nil {
			return err
		}
		rec = row.Record
		rec.ID = row.ID
		o := outcome
		rec.Outcome = &o
		return nil
	})
	if err != nil {
		return models.ActionRecord{}, err
	}
	return rec, nil
}

func (s *SQLStore) Since(ctx context.Context, since time.Time) ([]models.ActionRecord, error) {
	var rows []actionRow
	if err := s.db.WithContext(ctx).Where("timestamp >= ?", since).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]uint64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var outcomes []outcomeRow
	if err := s.db.WithContext(ctx).Where("action_id IN ?", ids).Find(&outcomes).Error; err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	byID := make(map[uint64]outcomeRow, len(outcomes))
	for _, o := range outcomes {
		byID[o.ActionID] = o
	}

	out := make([]models.ActionRecord, len(rows))
	for i, r := range rows {
		out[i] = withOutcome(r, byID)
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id uint64) (models.ActionRecord, error) {
	var row actionRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ActionRecord{}, fmt.Errorf("%w: %d", models.ErrActionNotFound, id)
		}
		return models.ActionRecord{}, fmt.Errorf("failed to query ledger: %w", err)
	}
	var outcomes []outcomeRow
	if err := s.db.WithContext(ctx).Where("action_id = ?", id).Find(&outcomes).Error; err != nil {
		return models.ActionRecord{}, fmt.Errorf("failed to query outcomes: %w", err)
	}
	byID := make(map[uint64]outcomeRow, len(outcomes))
	for _, o := range outcomes {
		byID[o.ActionID] = o
	}
	return withOutcome(row, byID), nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withOutcome(row actionRow, outcomes map[uint64]outcomeRow) models.ActionRecord {
	rec := row.Record
	rec.ID = row.ID
	if o, ok := outcomes[row.ID]; ok {
		rec.Outcome = &models.ActionOutcome{
			ActionID:          o.ActionID,
			Outcome:           models.OutcomeStatus(o.Outcome),
			ResolutionSeconds: o.ResolutionSeconds,
			Notes:             o.Notes,
			RecordedAt:        o.RecordedAt,
		}
	}
	return rec
}
