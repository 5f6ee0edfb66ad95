package model

import (
	"time"

	"flagsync/pkg/constraints"
)

type Organisation struct {
	ID               uint64    `gorm:"primaryKey" json:"id"`
	Name             string    `gorm:"size:2000;not null" json:"name"`
	PersistTraitData bool      `gorm:"not null" json:"persist_trait_data"`
	CreatedAt        time.Time `json:"created_at"`
}

type Project struct {
	ID             uint64       `gorm:"primaryKey" json:"id"`
	Name           string       `gorm:"size:2000;not null" json:"name"`
	OrganisationID uint64       `gorm:"index;not null" json:"organisation_id"`
	Organisation   Organisation `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Environment.APIKey is the client-side key handed to browsers and mobile apps.
type Environment struct {
	ID                uint64    `gorm:"primaryKey" json:"id"`
	Name              string    `gorm:"size:2000;not null" json:"name"`
	ProjectID         uint64    `gorm:"index;not null" json:"project_id"`
	Project           Project   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	APIKey            string    `gorm:"size:100;uniqueIndex;not null" json:"api_key"`
	AllowClientTraits bool      `gorm:"not null" json:"allow_client_traits"`
	CreatedAt         time.Time `json:"created_at"`
}

// EnvironmentAPIKey is a server-side key.
type EnvironmentAPIKey struct {
	ID            uint64      `gorm:"primaryKey" json:"id"`
	EnvironmentID uint64      `gorm:"index;not null" json:"environment_id"`
	Environment   Environment `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Key           string      `gorm:"size:100;uniqueIndex;not null" json:"key"`
	Name          string      `gorm:"size:100" json:"name"`
	Active        bool        `gorm:"not null" json:"active"`
	CreatedAt     time.Time   `json:"created_at"`
}

type Feature struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	ProjectID uint64    `gorm:"index;not null" json:"project_id"`
	Name      string    `gorm:"size:2000;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// EnvironmentKey is what an environment key resolves to. It carries the
// policy switches of the environment and its organisation.
type EnvironmentKey struct {
	EnvironmentID     uint64              `json:"environment_id"`
	ProjectID         uint64              `json:"project_id"`
	OrganisationID    uint64              `json:"organisation_id"`
	PersistTraitData  bool                `json:"persist_trait_data"`
	AllowClientTraits bool                `json:"allow_client_traits"`
	Kind              constraints.KeyKind `json:"kind"`
}
