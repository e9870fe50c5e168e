package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"oip/dplistener/internal/framework"
	"oip/dplistener/pkg/errorutil"
	"oip/dplistener/pkg/logger"
)

const writeTimeout = 3 * time.Second

// outcome status values
const (
	OutcomeStatusSucceeded = "SUCCEEDED"
	OutcomeStatusFailed    = "FAILED"
)

// OutcomeRecord is one processed message.
type OutcomeRecord struct {
	ID        uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Listener  string `gorm:"column:listener;type:varchar(128);not null;index:idx_listener_processed"`
	Queue     string `gorm:"column:queue;type:varchar(255);not null"`
	MessageID string `gorm:"column:message_id;type:varchar(128);not null;index:idx_message_id"`
	TraceID   string `gorm:"column:trace_id;type:varchar(64)"`

	Status       string `gorm:"column:status;type:varchar(16);not null"`
	Deleted      bool   `gorm:"column:deleted;not null"`
	ErrorMessage string `gorm:"column:error_message;type:text"`
	Retryable    bool   `gorm:"column:retryable;not null"`
	DurationMS   int64  `gorm:"column:duration_ms;not null"`

	ProcessedAt time.Time `gorm:"column:processed_at;not null;index:idx_listener_processed"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName implements gorm's tabler.
func (OutcomeRecord) TableName() string {
	return "listener_outcomes"
}

// NewOutcomeRecord converts an event into a row.
func NewOutcomeRecord(event framework.OutcomeEvent) *OutcomeRecord {
	rec := &OutcomeRecord{
		Listener:    event.Listener,
		Queue:       event.Queue,
		MessageID:   event.MessageID,
		TraceID:     event.TraceID,
		Status:      OutcomeStatusSucceeded,
		Deleted:     event.Deleted,
		DurationMS:  event.Duration.Milliseconds(),
		ProcessedAt: event.At,
	}
	if !event.Outcome.Succeeded() {
		classified := errorutil.Wrap(event.Outcome.Err)
		rec.Status = OutcomeStatusFailed
		rec.ErrorMessage = classified.Error()
		rec.Retryable = classified.Retryable
	}
	return rec
}

// OutcomeDAO stores processing outcomes, usable as a framework.OutcomeListener.
type OutcomeDAO struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewOutcomeDAO connects to MySQL and migrates the outcome table.
func NewOutcomeDAO(dsn string, log logger.Logger) (*OutcomeDAO, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&OutcomeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate outcome table: %w", err)
	}
	return NewOutcomeDAOWithDB(db, log), nil
}

// NewOutcomeDAOWithDB wraps an open connection.
func NewOutcomeDAOWithDB(db *gorm.DB, log logger.Logger) *OutcomeDAO {
	return &OutcomeDAO{db: db, logger: log}
}

// OnOutcome inserts the outcome. Write errors are logged only.
func (dao *OutcomeDAO) OnOutcome(ctx context.Context, event framework.OutcomeEvent) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := dao.Insert(writeCtx, NewOutcomeRecord(event)); err != nil {
		dao.logger.Warnf(ctx, "[OutcomeDAO] %v", err)
	}
}

// Insert writes one record.
func (dao *OutcomeDAO) Insert(ctx context.Context, rec *OutcomeRecord) error {
	if err := dao.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert outcome for %s: %w", rec.MessageID, err)
	}
	return nil
}

// ListByListener returns the latest outcomes of a listener, newest first.
func (dao *OutcomeDAO) ListByListener(ctx context.Context, listener string, limit int) ([]OutcomeRecord, error) {
	var recs []OutcomeRecord
	result := dao.db.WithContext(ctx).
		Where("listener = ?", listener).
		Order("processed_at DESC").
		Limit(limit).
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", result.Error)
	}
	return recs, nil
}

// Close closes the database connection.
func (dao *OutcomeDAO) Close() error {
	sqlDB, err := dao.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
