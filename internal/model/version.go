package model

import (
	"time"

	"gorm.io/datatypes"
)

// EnvironmentFeatureVersion is an immutable, content-addressed snapshot of a
// feature's state in one environment. Only Published, LiveFrom and
// PublishedBy ever change, and only once.
type EnvironmentFeatureVersion struct {
	Sha           string         `gorm:"primaryKey;size:64" json:"sha"`
	EnvironmentID uint64         `gorm:"index:idx_version_env_feature,priority:1;not null" json:"environment_id"`
	FeatureID     uint64         `gorm:"index:idx_version_env_feature,priority:2;not null" json:"feature_id"`
	Snapshot      datatypes.JSON `gorm:"not null" json:"snapshot"`
	Published     bool           `gorm:"not null" json:"published"`
	LiveFrom      *time.Time     `gorm:"index" json:"live_from"`
	CreatedBy     string         `gorm:"size:64" json:"created_by"`
	PublishedBy   string         `gorm:"size:64" json:"published_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (EnvironmentFeatureVersion) TableName() string { return "environment_feature_versions" }
