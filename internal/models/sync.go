package models

import (
	"time"

	"github.com/google/uuid"
)

// CheckpointStatus - состояние потока синхронизации.
type CheckpointStatus string

const (
	CheckpointIdle    CheckpointStatus = "idle"
	CheckpointRunning CheckpointStatus = "running"
	CheckpointFailed  CheckpointStatus = "failed"
)

// SyncStats - накопленная статистика потока.
type SyncStats struct {
	Runs          int64      `json:"runs"`
	TotalCreated  int64      `json:"total_created"`
	TotalUpdated  int64      `json:"total_updated"`
	TotalFailed   int64      `json:"total_failed"`
	LastProcessed int64      `json:"last_processed"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// SyncCheckpoint - одна строка на именованный поток синхронизации.
// Watermark сдвигается только вперёд и только при успешном завершении.
type SyncCheckpoint struct {
	Stream    string           `db:"stream"`
	Source    string           `db:"source"`
	Watermark time.Time        `db:"watermark"`
	Status    CheckpointStatus `db:"status"`
	Stats     SyncStats        `db:"stats"`
	UpdatedAt time.Time        `db:"updated_at"`
}

// SyncType - вид запуска.
type SyncType string

const (
	SyncTypeOpenOrders       SyncType = "open_orders"
	SyncTypeProcessedOrders  SyncType = "processed_orders"
	SyncTypeHistoricalImport SyncType = "historical_import"
)

// SyncLogStatus - статус запуска. Переход started -> completed|failed ровно один раз.
type SyncLogStatus string

const (
	SyncLogStarted   SyncLogStatus = "started"
	SyncLogCompleted SyncLogStatus = "completed"
	SyncLogFailed    SyncLogStatus = "failed"
)

// SyncCounters - счётчики запуска, монотонно не убывают.
type SyncCounters struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Add складывает счётчики.
func (c SyncCounters) Add(o SyncCounters) SyncCounters {
	return SyncCounters{
		Fetched: c.Fetched + o.Fetched,
		Created: c.Created + o.Created,
		Updated: c.Updated + o.Updated,
		Skipped: c.Skipped + o.Skipped,
		Failed:  c.Failed + o.Failed,
	}
}

// Settled - сколько элементов уже учтено каким-либо исходом.
func (c SyncCounters) Settled() int {
	return c.Created + c.Updated + c.Skipped + c.Failed
}

// SyncLog - запись об одном запуске.
type SyncLog struct {
	ID          uuid.UUID     `db:"id"`
	Type        SyncType      `db:"type"`
	Stream      string        `db:"stream"`
	Status      SyncLogStatus `db:"status"`
	Counters    SyncCounters  `db:"-"`
	Progress    SyncProgress  `db:"metadata"`
	Error       string        `db:"error_message"`
	StartedAt   time.Time     `db:"started_at"`
	CompletedAt *time.Time    `db:"completed_at"`
}

// SyncLogResponse DTO для API статуса.
type SyncLogResponse struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Stream      string       `json:"stream"`
	Status      string       `json:"status"`
	Counters    SyncCounters `json:"counters"`
	Progress    SyncProgress `json:"progress"`
	Error       string       `json:"error,omitempty"`
	StartedAt   string       `json:"started_at"`
	CompletedAt string       `json:"completed_at,omitempty"`
}

// CheckpointResponse DTO для API статуса.
type CheckpointResponse struct {
	Stream    string    `json:"stream"`
	Source    string    `json:"source"`
	Watermark string    `json:"watermark"`
	Status    string    `json:"status"`
	Stats     SyncStats `json:"stats"`
}
