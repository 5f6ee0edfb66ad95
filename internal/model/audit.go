package model

import "time"

const (
	AuditActionCreated   = "created"
	AuditActionPublished = "published"
)

type VersionAudit struct {
	ID            int64      `json:"id" gorm:"primaryKey"`
	EnvironmentID uint64     `json:"environment_id" gorm:"index:idx_audit_env_feature,priority:1"`
	FeatureID     uint64     `json:"feature_id" gorm:"index:idx_audit_env_feature,priority:2"`
	Sha           string     `json:"sha" gorm:"size:64;index"`
	Action        string     `json:"action" gorm:"size:32"`
	LiveFrom      *time.Time `json:"live_from"`
	Operator      string     `json:"operator" gorm:"size:64"`
	TraceID       string     `json:"trace_id" gorm:"size:36;index"`
	CreatedAt     time.Time  `json:"created_at" gorm:"index"`
}
