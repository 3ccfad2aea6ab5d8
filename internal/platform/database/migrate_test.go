package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations(1536)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	first := migrations[0]
	assert.Equal(t, "migrations/0001_init.sql", first.Name)
	assert.Contains(t, first.SQL, "vector(1536)")
	assert.NotContains(t, first.SQL, "{{")
	assert.Contains(t, first.SQL, "WHERE state IN ('queued', 'working', 'retryable')")
}

func TestLoadMigrations_InvalidDimension(t *testing.T) {
	_, err := LoadMigrations(0)
	assert.Error(t, err)
}
