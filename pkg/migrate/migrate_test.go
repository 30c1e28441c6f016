package migrate_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnbook/kilnbook-backend/pkg/db/dbtest"
	"github.com/kilnbook/kilnbook-backend/pkg/migrate"
)

func TestEmbeddedMigrationsValidate(t *testing.T) {
	require.NoError(t, migrate.ValidateEmbedded())
}

func TestMigrationsDirMatchesEmbedded(t *testing.T) {
	require.NoError(t, migrate.ValidateDir("migrations"))
}

func TestPhotosMigrationEnforcesSinglePrimary(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_photos.sql"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	content := string(data)

	for _, sub := range []string{
		"CREATE TABLE IF NOT EXISTS photos",
		"REFERENCES pottery_items (id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_photos_one_primary_per_item",
		"WHERE is_primary",
	} {
		require.Contains(t, content, sub)
	}
}

func TestUpBuildsSchemaOnSQLite(t *testing.T) {
	client := dbtest.NewSQLite(t)
	ctx := context.Background()

	for _, table := range []string{"pottery_items", "photos", "orphan_blobs"} {
		require.True(t, client.DB().WithContext(ctx).Migrator().HasTable(table), "missing table %s", table)
	}

	now := "2025-03-01 12:00:00+00:00"
	require.NoError(t, client.DB().Exec(
		`INSERT INTO pottery_items (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"11111111-1111-1111-1111-111111111111", "owner", "Mug", now, now,
	).Error)

	insertPhoto := func(id, path string, primary bool) error {
		return client.DB().Exec(
			`INSERT INTO photos (id, item_id, owner_id, stage, storage_path, content_type, size_bytes, is_primary, uploaded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, "11111111-1111-1111-1111-111111111111", "owner", "greenware", path, "image/png", 10, primary, now,
		).Error
	}
	require.NoError(t, insertPhoto("22222222-2222-2222-2222-222222222222", "a.png", true))
	require.NoError(t, insertPhoto("33333333-3333-3333-3333-333333333333", "b.png", false))
	err := insertPhoto("44444444-4444-4444-4444-444444444444", "c.png", true)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "UNIQUE"), "unexpected error %v", err)

	err = client.DB().Exec(`UPDATE pottery_items SET is_archived = ?, is_broken = ?`, true, true).Error
	require.Error(t, err, "archived and broken must be mutually exclusive")
}
