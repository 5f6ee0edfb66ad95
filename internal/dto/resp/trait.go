package resp

import (
	"time"

	"flagsync/internal/traitvalue"
)

type TraitItem struct {
	Identifier string           `json:"identifier"`
	TraitKey   string           `json:"trait_key"`
	TraitValue traitvalue.Value `json:"trait_value"`
	ValueType  string           `json:"value_type"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

type TraitListResponse struct {
	Identifier string      `json:"identifier"`
	Traits     []TraitItem `json:"traits"`
}

// BulkItem reports one entry of a bulk upsert. Error is empty on success.
type BulkItem struct {
	Index      int    `json:"index"`
	Identifier string `json:"identifier"`
	TraitKey   string `json:"trait_key"`
	Deleted    bool   `json:"deleted,omitempty"`
	Error      any    `json:"error,omitempty"`
}

type DeleteTraitsResponse struct {
	Deleted int64 `json:"deleted"`
}
