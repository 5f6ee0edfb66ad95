package v1

import (
	"encoding/json"
	"time"

	"flagsync/pkg/constraints"
)

// FeatureSnapshot is the feature-state definition a version is computed over.
type FeatureSnapshot struct {
	Enabled            bool                `json:"enabled"`
	Value              json.RawMessage     `json:"feature_state_value"`
	MultivariateValues []MultivariateValue `json:"multivariate_feature_state_values,omitempty"`
	SegmentOverrides   []SegmentOverride   `json:"segment_overrides,omitempty"`
}

type MultivariateValue struct {
	OptionID             uint64  `json:"multivariate_feature_option"`
	PercentageAllocation float64 `json:"percentage_allocation"`
}

type SegmentOverride struct {
	SegmentID          uint64              `json:"segment"`
	Priority           int                 `json:"priority"`
	Enabled            bool                `json:"enabled"`
	Value              json.RawMessage     `json:"feature_state_value"`
	MultivariateValues []MultivariateValue `json:"multivariate_feature_state_values,omitempty"`
}

// PublishedVersion is the replica document written to the edge store.
type PublishedVersion struct {
	Sha           string          `json:"sha"`
	EnvironmentID uint64          `json:"environment_id"`
	FeatureID     uint64          `json:"feature_id"`
	LiveFrom      time.Time       `json:"live_from"`
	CreatedAt     time.Time       `json:"created_at"`
	Snapshot      json.RawMessage `json:"snapshot"`
	Revision      int64           `json:"revision"` // etcd mod revision
}

// Message is pushed to stream subscribers when the replica changes.
type Message struct {
	EnvironmentID uint64             `json:"environment_id"`
	FeatureID     uint64             `json:"feature_id"`
	Sha           string             `json:"sha"`
	LiveFrom      time.Time          `json:"live_from"`
	Snapshot      json.RawMessage    `json:"snapshot,omitempty"`
	Revision      int64              `json:"revision"`
	Action        constraints.Action `json:"action"`
	Type          string             `json:"type,omitempty"`
}

func (p *PublishedVersion) ToJSON() string {
	b, err := json.Marshal(p)
	if err != nil {
		panic("flagsync serialization failed: " + err.Error())
	}
	return string(b)
}
