package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"flagsync/internal/dto/resp"
	"flagsync/internal/metrics"
	"flagsync/internal/model"
	"flagsync/internal/repository"
	"flagsync/internal/traitvalue"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/constraints"
	"flagsync/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxIdentifierLength = 255
	maxTraitKeyLength   = 200
)

// Forwarder replays a committed trait mutation against the edge API.
type Forwarder interface {
	Forward(ctx context.Context, req v1.ForwardRequest)
}

// BulkOutcome is the result of one bulk entry, in submission order.
type BulkOutcome struct {
	Index      int
	Identifier string
	TraitKey   string
	Deleted    bool
	Trait      *resp.TraitItem
	Err        error
}

type TraitService struct {
	db              *gorm.DB
	identityRepo    repository.IdentityInterface
	traitRepo       repository.TraitInterface
	forwarder       Forwarder
	observer        metrics.TraitObserver
	maxStringLength int
}

func NewTraitService(db *gorm.DB, identityRepo repository.IdentityInterface, traitRepo repository.TraitInterface, forwarder Forwarder, observer metrics.TraitObserver, maxStringLength int) *TraitService {
	if maxStringLength <= 0 {
		maxStringLength = traitvalue.DefaultMaxStringLength
	}
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &TraitService{
		db:              db,
		identityRepo:    identityRepo,
		traitRepo:       traitRepo,
		forwarder:       forwarder,
		observer:        observer,
		maxStringLength: maxStringLength,
	}
}

// SetTrait upserts one trait, creating the identity on first write. A null
// value deletes the trait instead and returns a nil item. body is the raw
// request, forwarded to the edge unchanged once the write has committed.
func (s *TraitService) SetTrait(ctx context.Context, scope Scope, req v1.TraitRequest, body []byte) (*resp.TraitItem, error) {
	if err := checkWrite(scope, true); err != nil {
		s.observer.RecordTraitWrite("set", "rejected")
		return nil, err
	}
	item, _, err := s.apply(ctx, scope, req)
	if err != nil {
		s.record("set", err)
		return nil, err
	}
	s.observer.RecordTraitWrite("set", "ok")

	s.forward(ctx, scope, http.MethodPost, constraints.EdgePathTraits, body)
	return item, nil
}

// apply validates and writes one entry in its own transaction.
func (s *TraitService) apply(ctx context.Context, scope Scope, req v1.TraitRequest) (*resp.TraitItem, bool, error) {
	if err := validateKeys(req.Identity.Identifier, req.TraitKey); err != nil {
		return nil, false, err
	}

	deleting := traitvalue.IsNull(req.TraitValue)
	var value traitvalue.Value
	if !deleting {
		var err error
		if value, err = traitvalue.Parse(req.TraitValue); err != nil {
			return nil, false, fieldErr("trait_value", err)
		}
		if err := traitvalue.Validate(value, s.maxStringLength); err != nil {
			return nil, false, fieldErr("trait_value", err)
		}
	}

	var stored *model.Trait
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		identity, err := s.identityRepo.WithTx(tx).ResolveOrCreate(ctx, scope.EnvironmentID, req.Identity.Identifier)
		if err != nil {
			return err
		}
		txTraits := s.traitRepo.WithTx(tx)
		if deleting {
			_, err = txTraits.Delete(ctx, identity.ID, req.TraitKey)
			return err
		}
		stored, err = txTraits.Upsert(ctx, model.NewTrait(identity.ID, req.TraitKey, value))
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("set trait %q: %w", req.TraitKey, err)
	}
	if deleting {
		return nil, true, nil
	}
	item, err := traitItem(req.Identity.Identifier, stored)
	return item, false, err
}

// IncrementTrait adds IncrementBy to an integer trait, starting absent
// traits from zero. A trait holding any other type is left untouched.
func (s *TraitService) IncrementTrait(ctx context.Context, scope Scope, req v1.IncrementRequest) (*v1.IncrementResponse, error) {
	if err := checkWrite(scope, true); err != nil {
		s.observer.RecordTraitWrite("increment", "rejected")
		return nil, err
	}
	if err := validateKeys(req.Identifier, req.TraitKey); err != nil {
		s.observer.RecordTraitWrite("increment", "rejected")
		return nil, err
	}

	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		identity, err := s.identityRepo.WithTx(tx).ResolveOrCreate(ctx, scope.EnvironmentID, req.Identifier)
		if err != nil {
			return err
		}
		value, err = s.traitRepo.WithTx(tx).Increment(ctx, identity.ID, req.TraitKey, req.IncrementBy)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrTraitTypeMismatch) {
			err = ErrTypeMismatch
		} else {
			err = fmt.Errorf("increment trait %q: %w", req.TraitKey, err)
		}
		s.record("increment", err)
		return nil, err
	}
	s.observer.RecordTraitWrite("increment", "ok")

	// the edge has no increment endpoint, so it receives the result as a set
	payload, err := json.Marshal(v1.TraitRequest{
		Identity:   v1.IdentityRef{Identifier: req.Identifier},
		TraitKey:   req.TraitKey,
		TraitValue: json.RawMessage(fmt.Sprintf("%d", value)),
	})
	if err != nil {
		logger.Warn("failed to encode increment for edge", zap.String("trait_key", req.TraitKey), zap.Error(err))
	} else {
		s.forward(ctx, scope, http.MethodPost, constraints.EdgePathTraits, payload)
	}

	return &v1.IncrementResponse{Identifier: req.Identifier, TraitKey: req.TraitKey, Value: value}, nil
}

// DeleteTrait removes one trait. Missing identities and traits are not errors.
func (s *TraitService) DeleteTrait(ctx context.Context, scope Scope, identifier, key string) error {
	if err := checkWrite(scope, false); err != nil {
		return err
	}
	identity, err := s.identityRepo.GetByIdentifier(ctx, scope.EnvironmentID, identifier)
	if err != nil {
		return fmt.Errorf("delete trait: %w", err)
	}
	if identity == nil {
		return nil
	}
	if _, err := s.traitRepo.Delete(ctx, identity.ID, key); err != nil {
		s.record("delete", err)
		return fmt.Errorf("delete trait: %w", err)
	}
	s.observer.RecordTraitWrite("delete", "ok")
	return nil
}

// DeleteAllMatching removes key from every identity of the scope's environment.
func (s *TraitService) DeleteAllMatching(ctx context.Context, scope Scope, key string) (int64, error) {
	if err := checkWrite(scope, false); err != nil {
		return 0, err
	}
	n, err := s.traitRepo.DeleteAllMatching(ctx, scope.EnvironmentID, key)
	if err != nil {
		s.record("delete_all", err)
		return 0, fmt.Errorf("delete matching traits: %w", err)
	}
	s.observer.RecordTraitWrite("delete_all", "ok")
	logger.Info("deleted matching traits",
		zap.Uint64("environment_id", scope.EnvironmentID),
		zap.String("trait_key", key),
		zap.Int64("count", n),
	)
	return n, nil
}

// BulkUpsertTraits applies entries in order, each in its own transaction.
// The gates are checked once for the batch; after that a failing entry only
// fails its own outcome. The raw body is forwarded when anything succeeded.
func (s *TraitService) BulkUpsertTraits(ctx context.Context, scope Scope, entries []json.RawMessage, body []byte) ([]BulkOutcome, error) {
	if err := checkWrite(scope, true); err != nil {
		s.observer.RecordTraitWrite("bulk", "rejected")
		return nil, err
	}

	outcomes := make([]BulkOutcome, len(entries))
	succeeded := 0
	for i, raw := range entries {
		out := &outcomes[i]
		out.Index = i

		var req v1.TraitRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			out.Err = fieldErr("non_field_errors", err)
			s.observer.RecordTraitWrite("bulk", "rejected")
			continue
		}
		out.Identifier = req.Identity.Identifier
		out.TraitKey = req.TraitKey

		out.Trait, out.Deleted, out.Err = s.apply(ctx, scope, req)
		if out.Err != nil {
			s.record("bulk", out.Err)
			logger.Debug("bulk trait entry failed", zap.Int("index", i), zap.Error(out.Err))
			continue
		}
		succeeded++
		s.observer.RecordTraitWrite("bulk", "ok")
	}

	if succeeded > 0 {
		s.forward(ctx, scope, http.MethodPut, constraints.EdgePathBulkTraits, body)
	}
	return outcomes, nil
}

func (s *TraitService) GetTrait(ctx context.Context, scope Scope, identifier, key string) (*resp.TraitItem, error) {
	identity, err := s.identityRepo.GetByIdentifier(ctx, scope.EnvironmentID, identifier)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, ErrIdentityNotFound
	}
	trait, err := s.traitRepo.Get(ctx, identity.ID, key)
	if err != nil {
		return nil, err
	}
	if trait == nil {
		return nil, ErrTraitNotFound
	}
	return traitItem(identifier, trait)
}

// ListTraits returns an empty list for an identity that was never written.
func (s *TraitService) ListTraits(ctx context.Context, scope Scope, identifier string) ([]resp.TraitItem, error) {
	identity, err := s.identityRepo.GetByIdentifier(ctx, scope.EnvironmentID, identifier)
	if err != nil {
		return nil, err
	}
	items := make([]resp.TraitItem, 0)
	if identity == nil {
		return items, nil
	}
	traits, err := s.traitRepo.ListByIdentity(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	for i := range traits {
		item, err := traitItem(identifier, &traits[i])
		if err != nil {
			logger.Error("skipping undecodable trait", zap.Uint64("trait_id", traits[i].ID), zap.Error(err))
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

func (s *TraitService) forward(ctx context.Context, scope Scope, method, path string, payload []byte) {
	if s.forwarder == nil {
		return
	}
	s.forwarder.Forward(ctx, v1.ForwardRequest{
		Method:    method,
		Path:      path,
		Headers:   scope.Headers,
		ProjectID: scope.ProjectID,
		Payload:   payload,
	})
}

func (s *TraitService) record(op string, err error) {
	var fe *FieldError
	if errors.As(err, &fe) || errors.Is(err, ErrTypeMismatch) {
		s.observer.RecordTraitWrite(op, "rejected")
		return
	}
	s.observer.RecordTraitWrite(op, "error")
}

func validateKeys(identifier, key string) error {
	switch {
	case identifier == "":
		return fieldErr("identifier", ErrRequired)
	case utf8.RuneCountInString(identifier) > maxIdentifierLength:
		return fieldErr("identifier", ErrTooLong)
	case key == "":
		return fieldErr("trait_key", ErrRequired)
	case utf8.RuneCountInString(key) > maxTraitKeyLength:
		return fieldErr("trait_key", ErrTooLong)
	}
	return nil
}

func traitItem(identifier string, t *model.Trait) (*resp.TraitItem, error) {
	value, err := t.Value()
	if err != nil {
		return nil, err
	}
	return &resp.TraitItem{
		Identifier: identifier,
		TraitKey:   t.TraitKey,
		TraitValue: value,
		ValueType:  t.ValueType,
		UpdatedAt:  t.UpdatedAt,
	}, nil
}
