package sqlite

import (
	"context"
	"database/sql"

	ds "github.com/m-rots/bernard/datastore"
)

// ChangedFolders returns the folder changelog accumulated by the last sync.
func (store *Datastore) ChangedFolders(ctx context.Context, driveID string) ([]ds.ChangedFolder, error) {
	rows, err := store.DB.QueryContext(ctx, sqlChangedFolders, driveID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var folders []ds.ChangedFolder
	for rows.Next() {
		f := ds.ChangedFolder{}

		err = rows.Scan(&f.ID, &f.DriveID, &f.Deleted, &f.Name, &f.Trashed, &f.Parent)
		if err != nil {
			return nil, storeErr(err)
		}

		folders = append(folders, f)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}

	return folders, nil
}

// ChangedFiles returns the file changelog accumulated by the last sync.
func (store *Datastore) ChangedFiles(ctx context.Context, driveID string) ([]ds.ChangedFile, error) {
	rows, err := store.DB.QueryContext(ctx, sqlChangedFiles, driveID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var files []ds.ChangedFile
	for rows.Next() {
		f := ds.ChangedFile{}

		err = rows.Scan(&f.ID, &f.DriveID, &f.Deleted, &f.Name, &f.Trashed, &f.Parent, &f.MD5, &f.Size)
		if err != nil {
			return nil, storeErr(err)
		}

		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}

	return files, nil
}

// ChangedPaths resolves the changelog to effective paths through the
// path_changelog view.
func (store *Datastore) ChangedPaths(ctx context.Context, driveID string) ([]ds.ChangedPath, error) {
	rows, err := store.DB.QueryContext(ctx, sqlChangedPaths, driveID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var paths []ds.ChangedPath
	for rows.Next() {
		p := ds.ChangedPath{}

		err = rows.Scan(&p.IsFolder, &p.ID, &p.DriveID, &p.Deleted, &p.Trashed, &p.Path.Path)
		if err != nil {
			return nil, storeErr(err)
		}

		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}

	return paths, nil
}

// PathsWithin lists the live paths strictly below the given folder path.
//
// The prefix match is exact on the path separator, so a folder "/a" does not
// capture "/ab/c". LIKE is avoided as names may contain its wildcards.
func (store *Datastore) PathsWithin(ctx context.Context, driveID string, prefix string) ([]ds.Path, error) {
	rows, err := store.DB.QueryContext(ctx, sqlPathsWithin, driveID, prefix)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var paths []ds.Path
	for rows.Next() {
		p := ds.Path{}

		err = rows.Scan(&p.IsFolder, &p.ID, &p.DriveID, &p.Trashed, &p.Path)
		if err != nil {
			return nil, storeErr(err)
		}

		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}

	return paths, nil
}

// path returns the live path of a single entity, or sql.ErrNoRows unwrapped
// when the entity does not exist. Other errors are wrapped as database
// errors. Used in tests.
func (store *Datastore) path(ctx context.Context, driveID string, id string) (ds.Path, error) {
	p := ds.Path{}

	row := store.DB.QueryRowContext(ctx, sqlPathByID, driveID, id)
	err := row.Scan(&p.IsFolder, &p.ID, &p.DriveID, &p.Trashed, &p.Path)
	if err != nil {
		if err == sql.ErrNoRows {
			return p, err
		}

		return p, storeErr(err)
	}

	return p, nil
}

const sqlChangedFolders = `
SELECT id, drive_id, deleted, name, trashed, IFNULL(parent, '')
	FROM folder_changelog WHERE drive_id=?
	ORDER BY deleted, id
`

const sqlChangedFiles = `
SELECT id, drive_id, deleted, name, trashed, parent, md5, size
	FROM file_changelog WHERE drive_id=?
	ORDER BY deleted, id
`

const sqlChangedPaths = `
SELECT folder, id, drive_id, deleted, trashed, path
	FROM path_changelog WHERE drive_id=?
	ORDER BY deleted, path, folder DESC
`

const sqlPathsWithin = `
SELECT folder, id, drive_id, trashed, path
	FROM paths
	WHERE drive_id=?1 AND substr(path, 1, length(?2)+1) = ?2 || '/'
	ORDER BY path, folder DESC
`

const sqlPathByID = `
SELECT folder, id, drive_id, trashed, path
	FROM paths WHERE drive_id=? AND id=?
`
