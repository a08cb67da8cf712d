package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Equal(t, ups, downs)
}

func TestApplyFallsBackToAutoMigrate(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:migration_fallback?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Apply(conn, config.Config{DBRunMigrations: true}, zap.NewNop()))
	for _, table := range []string{"plans", "subscriptions", "credit_transactions", "access_grants", "processed_events"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
}

func TestApplyDisabled(t *testing.T) {
	require.NoError(t, Apply(nil, config.Config{DBRunMigrations: false}, zap.NewNop()))
}

func TestEmbeddedSourceStartsAtFirstVersion(t *testing.T) {
	src, err := embeddedSource()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	_, err := RunMigrations(nil)
	assert.ErrorContains(t, err, "database handle")
}
