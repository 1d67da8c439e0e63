package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// auditRecord is the audit_entries row.
type auditRecord struct {
	ID        uuid.UUID       `gorm:"primaryKey"`
	ActorID   uuid.UUID       `gorm:"not null;index:idx_audit_entries_actor_ts,priority:1"`
	Action    string          `gorm:"type:varchar(64);not null;index"`
	Resource  string          `gorm:"type:varchar(255);not null"`
	Metadata  json.RawMessage `gorm:"type:text"`
	Timestamp time.Time       `gorm:"not null;index:idx_audit_entries_actor_ts,priority:2"`
}

func (auditRecord) TableName() string {
	return "audit_entries"
}

// GormStore persists entries through GORM; it runs on SQLite or PostgreSQL.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens the audit database for driver "sqlite" or "postgres".
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return db, nil
}

// NewGormStore migrates the audit_entries table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&auditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate audit_entries: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Append(ctx context.Context, e Entry) error {
	var meta json.RawMessage
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = b
	}
	rec := auditRecord{
		ID:        e.ID,
		ActorID:   e.ActorID,
		Action:    e.Action,
		Resource:  e.Resource,
		Metadata:  meta,
		Timestamp: e.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *GormStore) ListByActor(ctx context.Context, actorID uuid.UUID, limit, offset int) ([]Entry, int, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&auditRecord{}).Where("actor_id = ?", actorID).Count(&total).Error
	if err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	var records []auditRecord
	q := s.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Order("timestamp DESC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}

	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		e := Entry{
			ID:        r.ID,
			ActorID:   r.ActorID,
			Action:    r.Action,
			Resource:  r.Resource,
			Timestamp: r.Timestamp,
		}
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("unmarshal audit metadata %s: %w", r.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, int(total), nil
}
