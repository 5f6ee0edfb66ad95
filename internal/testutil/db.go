// Package testutil holds fixtures shared by repository, service and api tests.
package testutil

import (
	"fmt"
	"testing"

	"flagsync/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewSQLiteDB opens a private in-memory database with the full schema.
// One connection keeps every statement on the same memory database.
func NewSQLiteDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

// Fixture is a seeded organisation/project/environment with both key kinds.
type Fixture struct {
	Organisation model.Organisation
	Project      model.Project
	Environment  model.Environment
	ServerKey    model.EnvironmentAPIKey
	Feature      model.Feature
}

type FixtureOption func(*Fixture)

func WithPersistTraitData(enabled bool) FixtureOption {
	return func(f *Fixture) { f.Organisation.PersistTraitData = enabled }
}

func WithAllowClientTraits(enabled bool) FixtureOption {
	return func(f *Fixture) { f.Environment.AllowClientTraits = enabled }
}

// Seed inserts a fixture. Keys are random so several fixtures can share a database.
func Seed(t testing.TB, db *gorm.DB, opts ...FixtureOption) *Fixture {
	t.Helper()
	suffix := uuid.NewString()[:8]
	f := &Fixture{
		Organisation: model.Organisation{Name: "org-" + suffix, PersistTraitData: true},
		Environment: model.Environment{
			Name:              "env-" + suffix,
			APIKey:            "client-" + suffix,
			AllowClientTraits: true,
		},
		ServerKey: model.EnvironmentAPIKey{Key: "ser." + suffix, Name: "server", Active: true},
	}
	for _, opt := range opts {
		opt(f)
	}

	// bools are written explicitly so false survives the insert
	require.NoError(t, db.Create(&f.Organisation).Error)
	f.Project = model.Project{Name: "project-" + suffix, OrganisationID: f.Organisation.ID}
	require.NoError(t, db.Omit("Organisation").Create(&f.Project).Error)
	f.Environment.ProjectID = f.Project.ID
	require.NoError(t, db.Omit("Project").Create(&f.Environment).Error)
	f.ServerKey.EnvironmentID = f.Environment.ID
	require.NoError(t, db.Omit("Environment").Create(&f.ServerKey).Error)
	f.Feature = model.Feature{ProjectID: f.Project.ID, Name: "feature-" + suffix}
	require.NoError(t, db.Create(&f.Feature).Error)
	return f
}
