package model

import (
	"time"

	"flagsync/internal/traitvalue"
)

type Identity struct {
	ID            uint64      `gorm:"primaryKey" json:"id"`
	EnvironmentID uint64      `gorm:"uniqueIndex:idx_identity_env_identifier,priority:1;not null" json:"environment_id"`
	Environment   Environment `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Identifier    string      `gorm:"size:255;uniqueIndex:idx_identity_env_identifier,priority:2;not null" json:"identifier"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Trait holds exactly one non-null payload column, matching ValueType.
type Trait struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	IdentityID   uint64    `gorm:"uniqueIndex:idx_trait_identity_key,priority:1;not null" json:"identity_id"`
	Identity     Identity  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TraitKey     string    `gorm:"size:200;uniqueIndex:idx_trait_identity_key,priority:2;not null" json:"trait_key"`
	ValueType    string    `gorm:"size:10;not null" json:"value_type"`
	StringValue  *string   `gorm:"type:text" json:"string_value"`
	IntegerValue *int64    `json:"integer_value"`
	FloatValue   *float64  `json:"float_value"`
	BooleanValue *bool     `json:"boolean_value"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func NewTrait(identityID uint64, key string, v traitvalue.Value) *Trait {
	t := &Trait{IdentityID: identityID, TraitKey: key}
	t.SetValue(v)
	return t
}

func (t *Trait) SetValue(v traitvalue.Value) {
	s := traitvalue.Encode(v)
	t.ValueType = s.Type
	t.StringValue = s.String
	t.IntegerValue = s.Integer
	t.FloatValue = s.Float
	t.BooleanValue = s.Boolean
}

func (t *Trait) Value() (traitvalue.Value, error) {
	return traitvalue.Decode(traitvalue.Stored{
		Type:    t.ValueType,
		String:  t.StringValue,
		Integer: t.IntegerValue,
		Float:   t.FloatValue,
		Boolean: t.BooleanValue,
	})
}
