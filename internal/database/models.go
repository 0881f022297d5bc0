package database

import "time"

// LoadHistory is one customer data load executed through the gateway. Loads
// arrive in batches: every row created by one request shares a BatchID.
type LoadHistory struct {
	ID                   uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID              string     `gorm:"not null;index;size:36" json:"batch_id"`
	CustomerNumber       string     `gorm:"not null;index;size:10" json:"customer_number"`
	ClientIP             string     `json:"client_ip"`
	ConnectionID         string     `gorm:"size:36" json:"connection_id"`
	ExecutionTimeSeconds float64    `json:"execution_time_seconds"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at"`
	Note                 string     `gorm:"size:1000" json:"note"`
	CreatedAt            time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
