package model

import "time"

type OutboxTask struct {
	ID            int64     `json:"id" gorm:"primaryKey"`
	Kind          string    `json:"kind" gorm:"size:32;index"`
	Key           string    `json:"key" gorm:"size:255;index"`
	Payload       string    `json:"payload" gorm:"type:text"`
	Status        int       `json:"status" gorm:"index"`
	RetryCount    int       `json:"retry_count" gorm:"default:0"`
	NextAttemptAt time.Time `json:"next_attempt_at" gorm:"index"`
	LastError     string    `json:"last_error" gorm:"size:512"`
	TraceID       string    `json:"trace_id" gorm:"size:64;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	StatusPending   = 0
	StatusCompleted = 1
	StatusFailed    = 2
)

const (
	TaskEdgeForward    = "edge_forward"
	TaskVersionPublish = "version_publish"
)

// All lists every persisted model, in migration order.
func All() []any {
	return []any{
		&Organisation{},
		&Project{},
		&Environment{},
		&EnvironmentAPIKey{},
		&Feature{},
		&Identity{},
		&Trait{},
		&EnvironmentFeatureVersion{},
		&VersionAudit{},
		&OutboxTask{},
	}
}
