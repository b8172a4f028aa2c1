// Package history keeps an audit trail of conversion outcomes.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/convertflow/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultLimit is used by Recent when no limit is given.
	DefaultLimit = 50
	// MaxLimit caps a single listing.
	MaxLimit = 500

	maxMessageLen = 512
	appendRetries = 3
)

// Record is one terminal conversion outcome.
type Record struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RequestID    string    `gorm:"size:64;index" json:"request_id"`
	ClientID     string    `gorm:"size:128;index" json:"client_id"`
	InputFormat  string    `gorm:"size:8" json:"input_format"`
	OutputFormat string    `gorm:"size:8" json:"output_format"`
	Digest       string    `gorm:"size:64;index" json:"digest"`
	InputSize    int64     `json:"input_size"`
	OutputSize   int64     `json:"output_size"`
	Status       string    `gorm:"size:16;index" json:"status"`
	Code         string    `gorm:"size:32" json:"code,omitempty"`
	Message      string    `gorm:"size:512" json:"message"`
	Cached       bool      `json:"cached"`
	DurationMS   int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// TableName binds Record to the migrated table.
func (Record) TableName() string { return "conversion_records" }

// Query filters a listing.
type Query struct {
	Limit    int
	ClientID string
	Status   string
	// Digest 只列出同一份输入内容的记录
	Digest string
	Since  time.Time
}

// Summary aggregates outcomes.
type Summary struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

// Store persists records through a database pool.
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a store.
func NewStore(pool *database.PoolManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "history")),
		now:    time.Now,
	}
}

// AutoMigrate creates the table without golang-migrate. Used for sqlite
// development databases and tests.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.pool.DB().WithContext(ctx).AutoMigrate(&Record{})
}

// Append inserts rec, retrying transient failures.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("history: nil record")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if len(rec.Message) > maxMessageLen {
		rec.Message = rec.Message[:maxMessageLen]
	}
	return s.pool.WithTransactionRetry(ctx, appendRetries, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// Recent lists the latest records, newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	tx := s.pool.DB().WithContext(ctx).Model(&Record{})
	if q.ClientID != "" {
		tx = tx.Where("client_id = ?", q.ClientID)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if q.Digest != "" {
		tx = tx.Where("digest = ?", q.Digest)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since)
	}

	var records []Record
	if err := tx.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Summarize counts records per status since the given time (all when zero).
func (s *Store) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	type row struct {
		Status string
		Count  int64
	}
	tx := s.pool.DB().WithContext(ctx).Model(&Record{})
	if !since.IsZero() {
		tx = tx.Where("created_at >= ?", since)
	}
	var rows []row
	if err := tx.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return Summary{}, err
	}

	sum := Summary{ByStatus: make(map[string]int64, len(rows))}
	for _, r := range rows {
		sum.ByStatus[r.Status] = r.Count
		sum.Total += r.Count
	}
	return sum, nil
}

// Prune deletes records older than the cutoff.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.pool.DB().WithContext(ctx).Where("created_at < ?", olderThan).Delete(&Record{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Info("pruned conversion history", zap.Int64("removed", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
