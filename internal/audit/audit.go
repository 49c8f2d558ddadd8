// Package audit records finished provisioning sessions in Postgres so
// operators can answer "when was this host last installed" after the
// in-memory session window has expired.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"netbootd/internal/session"
)

type sessionRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TXID       string    `gorm:"type:text;not null;index"`
	MAC        string    `gorm:"type:text;not null;index"`
	Hostname   string    `gorm:"type:text"`
	Outcome    string    `gorm:"type:text;not null"`
	FailReason string    `gorm:"type:text"`
	StartedAt  time.Time `gorm:"type:timestamptz"`
	FinishedAt time.Time `gorm:"type:timestamptz"`
}

func (sessionRecord) TableName() string { return "session_audit" }

// Log persists terminal session snapshots.
type Log struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the audit table.
func Open(ctx context.Context, dsn string) (*Log, error) {
	database, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)

	if err := database.WithContext(ctx).AutoMigrate(&sessionRecord{}); err != nil {
		return nil, err
	}

	return &Log{db: database}, nil
}

// Record writes one row for a finished session. Safe on nil.
func (l *Log) Record(ctx context.Context, snap session.Snapshot) error {
	if l == nil {
		return nil
	}
	rec := sessionRecord{
		ID:         uuid.New(),
		TXID:       snap.TXID,
		MAC:        snap.MAC,
		Hostname:   snap.Hostname,
		Outcome:    string(snap.State),
		FailReason: snap.FailReason,
		StartedAt:  snap.CreatedAt,
		FinishedAt: snap.LastSeen,
	}
	return l.db.WithContext(ctx).Create(&rec).Error
}

// Close releases the underlying sql.DB. Safe on nil.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
