package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a history row does not exist.
var ErrNotFound = errors.New("load history not found")

const (
	// maxNoteLen caps the free-text note on a history row.
	maxNoteLen = 1000
	// maxExecutionSeconds rejects execution times longer than a day; a load
	// that reports more than that is a client bug, not a slow load.
	maxExecutionSeconds = 24 * 60 * 60
	// Retention purges accept only this window, matching the operations
	// policy: never keep less than a month, never purge beyond a year.
	minRetentionDays = 30
	maxRetentionDays = 365
)

// validCustomerNumber reports whether s is a 9 or 10 digit customer number.
func validCustomerNumber(s string) bool {
	if len(s) != 9 && len(s) != 10 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NewLoad describes one customer load inside a batch request.
type NewLoad struct {
	CustomerNumber       string
	ExecutionTimeSeconds float64
	StartedAt            time.Time
	CompletedAt          *time.Time
	Note                 string
}

// CreateBatch stores one row per load under a fresh batch id and returns the
// created rows. The whole batch is rejected when any customer number is
// malformed; nothing partial is written.
func CreateBatch(loads []NewLoad, clientIP, connectionID string) ([]LoadHistory, error) {
	if len(loads) == 0 {
		return nil, fmt.Errorf("batch has no loads")
	}

	batchID := uuid.NewString()
	rows := make([]LoadHistory, 0, len(loads))
	for i, l := range loads {
		if !validCustomerNumber(l.CustomerNumber) {
			return nil, fmt.Errorf("load %d: customer number %q must be 9 or 10 digits", i, l.CustomerNumber)
		}
		if len(l.Note) > maxNoteLen {
			return nil, fmt.Errorf("load %d: note exceeds %d characters", i, maxNoteLen)
		}
		if l.ExecutionTimeSeconds < 0 || l.ExecutionTimeSeconds > maxExecutionSeconds {
			return nil, fmt.Errorf("load %d: execution time %.1fs out of range 0..%d", i, l.ExecutionTimeSeconds, maxExecutionSeconds)
		}
		started := l.StartedAt
		if started.IsZero() {
			started = time.Now()
		}
		rows = append(rows, LoadHistory{
			BatchID:              batchID,
			CustomerNumber:       l.CustomerNumber,
			ClientIP:             clientIP,
			ConnectionID:         connectionID,
			ExecutionTimeSeconds: l.ExecutionTimeSeconds,
			StartedAt:            started,
			CompletedAt:          l.CompletedAt,
			Note:                 l.Note,
		})
	}

	if err := DB.Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	return rows, nil
}

// HistoryFilter narrows ListHistories. Zero values mean "no constraint".
type HistoryFilter struct {
	CustomerNumber string
	BatchID        string
	ClientIP       string
	From           time.Time
	To             time.Time
	Page           int // 1-based
	PageSize       int
}

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// ListHistories returns matching rows newest-first plus the total match
// count for paging.
func ListHistories(f HistoryFilter) ([]LoadHistory, int64, error) {
	q := DB.Model(&LoadHistory{})
	if f.CustomerNumber != "" {
		q = q.Where("customer_number = ?", f.CustomerNumber)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if f.ClientIP != "" {
		q = q.Where("client_ip = ?", f.ClientIP)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count histories: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 || size > maxPageSize {
		size = defaultPageSize
	}

	var rows []LoadHistory
	err := q.Order("created_at DESC, id DESC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list histories: %w", err)
	}
	return rows, total, nil
}

// GetHistory returns one row by id.
func GetHistory(id uint) (LoadHistory, error) {
	var row LoadHistory
	err := DB.First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LoadHistory{}, ErrNotFound
	}
	if err != nil {
		return LoadHistory{}, fmt.Errorf("get history %d: %w", id, err)
	}
	return row, nil
}

// UpdateNote replaces the note on one row.
func UpdateNote(id uint, note string) (LoadHistory, error) {
	if len(note) > maxNoteLen {
		return LoadHistory{}, fmt.Errorf("note exceeds %d characters", maxNoteLen)
	}
	row, err := GetHistory(id)
	if err != nil {
		return LoadHistory{}, err
	}
	if err := DB.Model(&row).Update("note", note).Error; err != nil {
		return LoadHistory{}, fmt.Errorf("update note on %d: %w", id, err)
	}
	row.Note = note
	return row, nil
}

// BatchSummary aggregates one batch.
type BatchSummary struct {
	BatchID       string     `json:"batch_id"`
	LoadCount     int64      `json:"load_count"`
	TotalSeconds  float64    `json:"total_seconds"`
	FirstStarted  time.Time  `json:"first_started"`
	LastCompleted *time.Time `json:"last_completed"`
}

// SummarizeBatch aggregates the rows of one batch id.
func SummarizeBatch(batchID string) (BatchSummary, error) {
	var rows []LoadHistory
	if err := DB.Where("batch_id = ?", batchID).Order("started_at").Find(&rows).Error; err != nil {
		return BatchSummary{}, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if len(rows) == 0 {
		return BatchSummary{}, ErrNotFound
	}

	s := BatchSummary{BatchID: batchID, LoadCount: int64(len(rows)), FirstStarted: rows[0].StartedAt}
	for _, r := range rows {
		s.TotalSeconds += r.ExecutionTimeSeconds
		if r.CompletedAt != nil && (s.LastCompleted == nil || r.CompletedAt.After(*s.LastCompleted)) {
			s.LastCompleted = r.CompletedAt
		}
	}
	return s, nil
}

// CustomerHistories returns every row for one customer number, newest-first.
func CustomerHistories(customerNumber string) ([]LoadHistory, error) {
	if !validCustomerNumber(customerNumber) {
		return nil, fmt.Errorf("customer number %q must be 9 or 10 digits", customerNumber)
	}
	var rows []LoadHistory
	err := DB.Where("customer_number = ?", customerNumber).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("customer histories: %w", err)
	}
	return rows, nil
}

// DeleteOlderThan purges rows created more than days ago and returns how
// many were removed. days outside the retention window is an error.
func DeleteOlderThan(days int) (int64, error) {
	if days < minRetentionDays || days > maxRetentionDays {
		return 0, fmt.Errorf("retention days %d out of range %d..%d", days, minRetentionDays, maxRetentionDays)
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res := DB.Where("created_at < ?", cutoff).Delete(&LoadHistory{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge histories: %w", res.Error)
	}
	return res.RowsAffected, nil
}
