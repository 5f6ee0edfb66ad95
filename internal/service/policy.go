package service

import (
	"errors"

	"flagsync/pkg/constraints"
)

var (
	ErrPersistenceDisabled = errors.New("organisation does not persist trait data")
	ErrWriteNotPermitted   = errors.New("client keys may not write traits in this environment")
)

// PersistenceAllowed reports whether the owning organisation stores traits at all.
func PersistenceAllowed(s Scope) bool {
	return s.PersistTraitData
}

// CanClientWrite lets server keys through unconditionally and client keys
// only when the environment allows client-side traits.
func CanClientWrite(s Scope) bool {
	if s.KeyKind != constraints.KeyKindClient {
		return true
	}
	return s.AllowClientTraits
}

// checkWrite runs the gates in order: persistence first, then client write
// when the operation is one a client key may be refused.
func checkWrite(s Scope, clientGated bool) error {
	if !PersistenceAllowed(s) {
		return ErrPersistenceDisabled
	}
	if clientGated && !CanClientWrite(s) {
		return ErrWriteNotPermitted
	}
	return nil
}
