package resp

import (
	"encoding/json"
	"time"

	v1 "flagsync/pkg/api/v1"
)

type VersionItem struct {
	Sha           string          `json:"sha"`
	EnvironmentID uint64          `json:"environment_id"`
	FeatureID     uint64          `json:"feature_id"`
	Snapshot      json.RawMessage `json:"snapshot"`
	Published     bool            `json:"published"`
	LiveFrom      *time.Time      `json:"live_from"`
	CreatedBy     string          `json:"created_by"`
	PublishedBy   string          `json:"published_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type AuditLogItem struct {
	ID        int64      `json:"id"`
	Sha       string     `json:"sha"`
	Action    string     `json:"action"`
	LiveFrom  *time.Time `json:"live_from,omitempty"`
	Operator  string     `json:"operator"`
	TraceID   string     `json:"trace_id"`
	CreatedAt time.Time  `json:"created_at"`
}

type SnapshotResponse struct {
	Data     []v1.PublishedVersion `json:"data"`
	Revision int64                 `json:"revision"`
}
