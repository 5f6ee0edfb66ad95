package service

import (
	"flagsync/internal/model"
	"flagsync/pkg/constraints"
)

// Scope is the environment a trait request acts on, with the policy switches
// that gate it. It is built once per request from the resolved key.
type Scope struct {
	EnvironmentID     uint64
	ProjectID         uint64
	PersistTraitData  bool
	AllowClientTraits bool
	KeyKind           constraints.KeyKind
	// Headers are replayed on forwarded edge requests.
	Headers map[string]string
}

func NewScope(key *model.EnvironmentKey, headers map[string]string) Scope {
	return Scope{
		EnvironmentID:     key.EnvironmentID,
		ProjectID:         key.ProjectID,
		PersistTraitData:  key.PersistTraitData,
		AllowClientTraits: key.AllowClientTraits,
		KeyKind:           key.Kind,
		Headers:           headers,
	}
}
