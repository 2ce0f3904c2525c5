package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/000001_create_items.up.sql":   {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY);")},
		"sql/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"sql/000002_add_name.up.sql":       {Data: []byte("ALTER TABLE items ADD COLUMN name TEXT;")},
		"sql/README.md":                    {Data: []byte("not a migration")},
		"sql/notes_001.sql":                {Data: []byte("ignored: no numeric prefix")},
	}
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrator(t *testing.T) {
	ctx := context.Background()

	t.Run("empty database is at version zero", func(t *testing.T) {
		m := New(openDB(t), "test_migrations")
		version, err := m.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
	})

	t.Run("loads in version order", func(t *testing.T) {
		m := New(openDB(t), "test_migrations")
		require.NoError(t, m.LoadFromFS(testFS(), "sql"))

		loaded := m.Migrations()
		require.Len(t, loaded, 2)
		assert.Equal(t, 1, loaded[0].Version)
		assert.Equal(t, "create_items", loaded[0].Name)
		assert.NotEmpty(t, loaded[0].Down)
		assert.Equal(t, "add_name", loaded[1].Name)
	})

	t.Run("up is idempotent", func(t *testing.T) {
		db := openDB(t)
		m := New(db, "test_migrations")
		require.NoError(t, m.LoadFromFS(testFS(), "sql"))

		require.NoError(t, m.Up(ctx))
		require.NoError(t, m.Up(ctx))

		version, err := m.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, version)

		_, err = db.Exec("INSERT INTO items (id, name) VALUES ('a', 'b')")
		assert.NoError(t, err)
	})

	t.Run("down requires a down script", func(t *testing.T) {
		m := New(openDB(t), "test_migrations")
		require.NoError(t, m.LoadFromFS(testFS(), "sql"))
		require.NoError(t, m.Up(ctx))

		assert.Error(t, m.Down(ctx))
	})

	t.Run("missing up script", func(t *testing.T) {
		m := New(openDB(t), "test_migrations")
		err := m.LoadFromFS(fstest.MapFS{
			"sql/000001_broken.down.sql": {Data: []byte("SELECT 1;")},
		}, "sql")
		assert.Error(t, err)
	})
}
