package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	ds "github.com/m-rots/bernard/datastore"

	"github.com/stretchr/testify/require"
)

func setupTest(t *testing.T) *Datastore {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "bernard.db"))
	require.NoError(t, err, "could not create datastore")

	t.Cleanup(func() { store.Close() })
	return store
}

// apply runs fn inside a single transaction and commits it.
func apply(t *testing.T, store *Datastore, fn func(tx ds.Tx) error) error {
	t.Helper()

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// seedDrive creates the drive row and its root folder.
func seedDrive(t *testing.T, store *Datastore, driveID string, name string, pageToken string) {
	t.Helper()

	err := apply(t, store, func(tx ds.Tx) error {
		if err := tx.UpsertDrive(ds.Drive{ID: driveID, PageToken: pageToken}); err != nil {
			return err
		}

		return tx.UpsertFolder(ds.Folder{ID: driveID, DriveID: driveID, Name: name})
	})
	require.NoError(t, err)
}

func getFolders(t *testing.T, store *Datastore, driveID string) (folders []ds.Folder) {
	t.Helper()

	rows, err := store.DB.Query(
		`SELECT id, drive_id, name, IFNULL(parent, ''), trashed FROM folders WHERE drive_id=? ORDER BY id`, driveID)
	require.NoError(t, err)

	defer rows.Close()
	for rows.Next() {
		f := ds.Folder{}
		require.NoError(t, rows.Scan(&f.ID, &f.DriveID, &f.Name, &f.Parent, &f.Trashed))
		folders = append(folders, f)
	}

	require.NoError(t, rows.Err())
	return folders
}

func getFiles(t *testing.T, store *Datastore, driveID string) (files []ds.File) {
	t.Helper()

	rows, err := store.DB.Query(
		`SELECT id, drive_id, name, parent, trashed, md5, size FROM files WHERE drive_id=? ORDER BY id`, driveID)
	require.NoError(t, err)

	defer rows.Close()
	for rows.Next() {
		f := ds.File{}
		require.NoError(t, rows.Scan(&f.ID, &f.DriveID, &f.Name, &f.Parent, &f.Trashed, &f.MD5, &f.Size))
		files = append(files, f)
	}

	require.NoError(t, rows.Err())
	return files
}

func TestPageToken(t *testing.T) {
	ctx := context.Background()
	store := setupTest(t)

	_, err := store.PageToken(ctx, "drive")
	require.ErrorIs(t, err, ds.ErrFullSync, "absent drive requires full sync")

	// The empty token is the bootstrap placeholder of an interrupted full
	// sync and must not be mistaken for a valid cursor.
	err = apply(t, store, func(tx ds.Tx) error {
		return tx.UpsertDrive(ds.Drive{ID: "drive"})
	})
	require.NoError(t, err)

	_, err = store.PageToken(ctx, "drive")
	require.ErrorIs(t, err, ds.ErrFullSync, "placeholder token requires full sync")

	err = apply(t, store, func(tx ds.Tx) error {
		return tx.SetPageToken("drive", "100")
	})
	require.NoError(t, err)

	pageToken, err := store.PageToken(ctx, "drive")
	require.NoError(t, err)
	require.Equal(t, "100", pageToken)
}

func TestUpsertOutOfOrder(t *testing.T) {
	store := setupTest(t)
	seedDrive(t, store, "drive", "Shared Drive", "1")

	// The child arrives before its parent within the same transaction:
	// deferred constraints only judge the commit.
	err := apply(t, store, func(tx ds.Tx) error {
		if err := tx.UpsertFile(ds.File{ID: "Z", DriveID: "drive", Name: "Z.txt", Parent: "A", MD5: "ZZZ", Size: 10}); err != nil {
			return err
		}

		if err := tx.UpsertFolder(ds.Folder{ID: "B", DriveID: "drive", Name: "B", Parent: "A"}); err != nil {
			return err
		}

		return tx.UpsertFolder(ds.Folder{ID: "A", DriveID: "drive", Name: "A", Parent: "drive"})
	})
	require.NoError(t, err)

	require.Len(t, getFolders(t, store, "drive"), 3)
	require.Len(t, getFiles(t, store, "drive"), 1)
}

func TestDataAnomalyRollsBack(t *testing.T) {
	store := setupTest(t)
	seedDrive(t, store, "drive", "Shared Drive", "1")

	err := apply(t, store, func(tx ds.Tx) error {
		if err := tx.UpsertFolder(ds.Folder{ID: "A", DriveID: "drive", Name: "A", Parent: "drive"}); err != nil {
			return err
		}

		return tx.UpsertFile(ds.File{ID: "Z", DriveID: "drive", Name: "Z.txt", Parent: "missing", MD5: "ZZZ", Size: 10})
	})
	require.ErrorIs(t, err, ds.ErrDataAnomaly)

	// The whole page rolls back, including the valid folder.
	require.Len(t, getFolders(t, store, "drive"), 1, "only the root folder may remain")
	require.Empty(t, getFiles(t, store, "drive"))
}

func TestRootInvariant(t *testing.T) {
	store := setupTest(t)
	seedDrive(t, store, "drive", "Shared Drive", "1")

	// A non-root folder without a parent is rejected.
	err := apply(t, store, func(tx ds.Tx) error {
		return tx.UpsertFolder(ds.Folder{ID: "A", DriveID: "drive", Name: "A"})
	})
	require.ErrorIs(t, err, ds.ErrDataAnomaly)
}

func TestDeleteCascades(t *testing.T) {
	store := setupTest(t)
	seedDrive(t, store, "drive", "Shared Drive", "1")

	err := apply(t, store, func(tx ds.Tx) error {
		for _, f := range []ds.Folder{
			{ID: "A", DriveID: "drive", Name: "A", Parent: "drive"},
			{ID: "B", DriveID: "drive", Name: "B", Parent: "A"},
		} {
			if err := tx.UpsertFolder(f); err != nil {
				return err
			}
		}

		return tx.UpsertFile(ds.File{ID: "Z", DriveID: "drive", Name: "Z.txt", Parent: "B", MD5: "ZZZ", Size: 10})
	})
	require.NoError(t, err)
	require.NoError(t, store.ClearChangelog(context.Background(), "drive"))

	err = apply(t, store, func(tx ds.Tx) error {
		return tx.DeleteItem("drive", "A")
	})
	require.NoError(t, err)

	require.Len(t, getFolders(t, store, "drive"), 1, "subtree gone, root remains")
	require.Empty(t, getFiles(t, store, "drive"))

	// The cascade went through the delete triggers: every removal is in the
	// changelog.
	folders, err := store.ChangedFolders(context.Background(), "drive")
	require.NoError(t, err)
	require.Len(t, folders, 2)
	for _, f := range folders {
		require.True(t, f.Deleted)
	}

	files, err := store.ChangedFiles(context.Background(), "drive")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.True(t, files[0].Deleted)
	require.Equal(t, "Z", files[0].ID)
}

func TestRemoveDrive(t *testing.T) {
	ctx := context.Background()
	store := setupTest(t)
	seedDrive(t, store, "drive", "Shared Drive", "1")

	err := apply(t, store, func(tx ds.Tx) error {
		if err := tx.UpsertFolder(ds.Folder{ID: "A", DriveID: "drive", Name: "A", Parent: "drive"}); err != nil {
			return err
		}

		return tx.UpsertFile(ds.File{ID: "Z", DriveID: "drive", Name: "Z.txt", Parent: "A", MD5: "ZZZ", Size: 10})
	})
	require.NoError(t, err)

	require.NoError(t, store.RemoveDrive(ctx, "drive"))

	require.Empty(t, getFolders(t, store, "drive"))
	require.Empty(t, getFiles(t, store, "drive"))

	_, err = store.PageToken(ctx, "drive")
	require.ErrorIs(t, err, ds.ErrFullSync)

	// No orphan changelog rows either.
	folders, err := store.ChangedFolders(ctx, "drive")
	require.NoError(t, err)
	require.Empty(t, folders)

	files, err := store.ChangedFiles(ctx, "drive")
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestChangelogCapture(t *testing.T) {
	ctx := context.Background()
	store := setupTest(t)
	seedDrive(t, store, "drive", "Shared Drive", "1")
	require.NoError(t, store.ClearChangelog(ctx, "drive"))

	folder := ds.Folder{ID: "A", DriveID: "drive", Name: "A", Parent: "drive"}

	// Insert yields a single non-deleted snapshot.
	err := apply(t, store, func(tx ds.Tx) error {
		return tx.UpsertFolder(folder)
	})
	require.NoError(t, err)

	changed, err := store.ChangedFolders(ctx, "drive")
	require.NoError(t, err)
	require.Equal(t, []ds.ChangedFolder{{Folder: folder}}, changed)

	// A blind upsert with identical values is suppressed.
	require.NoError(t, store.ClearChangelog(ctx, "drive"))

	err = apply(t, store, func(tx ds.Tx) error {
		return tx.UpsertFolder(folder)
	})
	require.NoError(t, err)

	changed, err = store.ChangedFolders(ctx, "drive")
	require.NoError(t, err)
	require.Empty(t, changed, "no-op upsert must not produce change records")

	// A meaningful update yields the old and the new state.
	renamed := folder
	renamed.Name = "A2"

	err = apply(t, store, func(tx ds.Tx) error {
		return tx.UpsertFolder(renamed)
	})
	require.NoError(t, err)

	changed, err = store.ChangedFolders(ctx, "drive")
	require.NoError(t, err)
	require.Equal(t, []ds.ChangedFolder{
		{Folder: renamed},
		{Folder: folder, Deleted: true},
	}, changed)

	// Repeated updates within one sync collapse to oldest-old, newest-new.
	again := renamed
	again.Name = "A3"

	err = apply(t, store, func(tx ds.Tx) error {
		return tx.UpsertFolder(again)
	})
	require.NoError(t, err)

	changed, err = store.ChangedFolders(ctx, "drive")
	require.NoError(t, err)
	require.Equal(t, []ds.ChangedFolder{
		{Folder: again},
		{Folder: folder, Deleted: true},
	}, changed)
}

func TestFileChangelogCapture(t *testing.T) {
	ctx := context.Background()
	store := setupTest(t)
	seedDrive(t, store, "drive", "Shared Drive", "1")
	require.NoError(t, store.ClearChangelog(ctx, "drive"))

	err := apply(t, store, func(tx ds.Tx) error {
		if err := tx.UpsertFolder(ds.Folder{ID: "A", DriveID: "drive", Name: "A", Parent: "drive"}); err != nil {
			return err
		}

		return tx.UpsertFile(ds.File{ID: "Z", DriveID: "drive", Name: "Z.txt", Parent: "A", MD5: "ZZZ", Size: 10})
	})
	require.NoError(t, err)
	require.NoError(t, store.ClearChangelog(ctx, "drive"))

	// Only the md5 and size change: still a meaningful update.
	err = apply(t, store, func(tx ds.Tx) error {
		return tx.UpsertFile(ds.File{ID: "Z", DriveID: "drive", Name: "Z.txt", Parent: "A", MD5: "YYY", Size: 20})
	})
	require.NoError(t, err)

	changed, err := store.ChangedFiles(ctx, "drive")
	require.NoError(t, err)
	require.Len(t, changed, 2)
	require.False(t, changed[0].Deleted)
	require.Equal(t, "YYY", changed[0].MD5)
	require.EqualValues(t, 20, changed[0].Size)
	require.True(t, changed[1].Deleted)
	require.Equal(t, "ZZZ", changed[1].MD5)
	require.EqualValues(t, 10, changed[1].Size)
}

func TestClearChangelog(t *testing.T) {
	ctx := context.Background()
	store := setupTest(t)
	seedDrive(t, store, "drive", "Shared Drive", "1")

	folders, err := store.ChangedFolders(ctx, "drive")
	require.NoError(t, err)
	require.NotEmpty(t, folders, "seeding populates the changelog")

	require.NoError(t, store.ClearChangelog(ctx, "drive"))

	folders, err = store.ChangedFolders(ctx, "drive")
	require.NoError(t, err)
	require.Empty(t, folders)
}

func TestRollbackLeavesLastCommittedState(t *testing.T) {
	store := setupTest(t)
	seedDrive(t, store, "drive", "Shared Drive", "1")

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, tx.UpsertFolder(ds.Folder{ID: "A", DriveID: "drive", Name: "A", Parent: "drive"}))
	require.NoError(t, tx.SetPageToken("drive", "2"))
	require.NoError(t, tx.Rollback())

	require.Len(t, getFolders(t, store, "drive"), 1)

	pageToken, err := store.PageToken(context.Background(), "drive")
	require.NoError(t, err)
	require.Equal(t, "1", pageToken, "page token only advances on commit")
}
