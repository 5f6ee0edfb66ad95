package req

import (
	"time"

	v1 "flagsync/pkg/api/v1"
)

type FeatureVersionURI struct {
	EnvKey    string `uri:"env_key" binding:"required"`
	FeatureID uint64 `uri:"feature_id" binding:"required"`
}

type CreateVersionRequest struct {
	Snapshot v1.FeatureSnapshot `json:"snapshot"`
}

// PublishVersionRequest.LiveFrom defaults to now when omitted.
type PublishVersionRequest struct {
	LiveFrom *time.Time `json:"live_from"`
}

// CurrentVersionQuery.AsOf is RFC 3339; empty means now.
type CurrentVersionQuery struct {
	AsOf string `form:"as_of"`
}
