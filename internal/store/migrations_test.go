package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsEmbedded(t *testing.T) {
	migrations, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "001_generations", migrations[0].version)
	assert.Contains(t, migrations[0].sql, "CREATE TABLE IF NOT EXISTS generations")
	assert.Contains(t, migrations[0].sql, "audit_logs")
}

func TestLoadMigrationsOrdersAndSkipsEmpty(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_index.sql": {Data: []byte("CREATE INDEX x ON generations (status);")},
		"migrations/001_base.sql":  {Data: []byte("CREATE TABLE t (id TEXT);\n")},
		"migrations/003_empty.sql": {Data: []byte("  \n")},
		"migrations/readme.txt":    {Data: []byte("ignored")},
	}
	migrations, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001_base", migrations[0].version)
	assert.Equal(t, "CREATE TABLE t (id TEXT);", migrations[0].sql)
	assert.Equal(t, "002_index", migrations[1].version)
}
