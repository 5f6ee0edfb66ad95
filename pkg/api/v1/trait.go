package v1

import (
	"encoding/json"
)

type IdentityRef struct {
	Identifier string `json:"identifier"`
}

// TraitRequest is the wire shape of a single trait write. TraitValue is kept
// raw so the server can tell null (delete) from a typed value.
type TraitRequest struct {
	Identity   IdentityRef     `json:"identity"`
	TraitKey   string          `json:"trait_key"`
	TraitValue json.RawMessage `json:"trait_value"`
}

type IncrementRequest struct {
	Identifier  string `json:"identifier"`
	TraitKey    string `json:"trait_key"`
	IncrementBy int64  `json:"increment_by"`
}

type IncrementResponse struct {
	Identifier string `json:"identifier"`
	TraitKey   string `json:"trait_key"`
	Value      int64  `json:"value"`
}

// ForwardRequest is a trait mutation replayed against the edge API.
type ForwardRequest struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	ProjectID uint64            `json:"project_id"`
	Payload   json.RawMessage   `json:"payload"`
}
