// Package sqlite provides the reference implementation of a Bernard
// datastore.
//
// The store leans on the database itself for the hard invariants: foreign
// keys are declared deferrable so referential integrity is checked at commit
// rather than per statement, cascading deletes take care of subtrees, and
// change capture lives in triggers which suppress no-op writes. The Go side
// stays a thin transactional shell around blind upserts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	ds "github.com/m-rots/bernard/datastore"
	"github.com/m-rots/bernard/datastore/sqlite/migrations"

	"github.com/mattn/go-sqlite3"
)

// ErrTransaction indicates an error when beginning or committing a
// transaction.
var ErrTransaction = fmt.Errorf("transaction: %w", ds.ErrDatabase)

// Option overrides a default Datastore value.
type Option func(*Datastore)

// WithPoolSize bounds the connection pool. The default is 4.
func WithPoolSize(n int) Option {
	return func(store *Datastore) {
		store.poolSize = n
	}
}

// Datastore implements the Bernard Datastore interface on a SQLite3 backend.
type Datastore struct {
	DB *sql.DB

	poolSize int
}

// New opens (and creates if missing) the database at the given path,
// migrates it to the latest schema version and returns the store.
//
// The database runs in WAL mode for reader/writer concurrency. Close the
// store on shutdown to flush the WAL/SHM sidecar files.
func New(path string, opts ...Option) (*Datastore, error) {
	store := &Datastore{poolSize: 4}
	for _, opt := range opts {
		opt(store)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open: %w", ds.ErrDatabase)
	}

	if path == ":memory:" {
		// A pooled connection would get its own empty in-memory database.
		store.poolSize = 1
	}

	db.SetMaxOpenConns(store.poolSize)

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %v: %w", err, ds.ErrDatabase)
	}

	store.DB = db
	return store, nil
}

func dsn(path string) string {
	query := url.Values{}
	query.Set("_fk", "1")
	query.Set("_journal_mode", "WAL")
	query.Set("_busy_timeout", "5000")
	query.Set("_txlock", "immediate")

	if path == ":memory:" {
		return "file::memory:?" + query.Encode()
	}

	return "file:" + path + "?" + query.Encode()
}

// Close closes the underlying connection pool.
func (store *Datastore) Close() error {
	if err := store.DB.Close(); err != nil {
		return fmt.Errorf("close: %w", ds.ErrDatabase)
	}

	return nil
}

// storeErr maps driver errors onto the datastore error taxonomy. Constraint
// violations are data anomalies: the change feed referenced state the mirror
// does not have (yet).
func storeErr(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%v: %w", err, ds.ErrDataAnomaly)
	}

	return fmt.Errorf("%v: %w", err, ds.ErrDatabase)
}

// Begin opens a write transaction with deferred constraint checking.
func (store *Datastore) Begin(ctx context.Context) (ds.Tx, error) {
	tx, err := store.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", ErrTransaction)
	}

	return &Tx{ctx: ctx, tx: tx}, nil
}

// PageToken retrieves the page token the datastore currently reflects.
func (store *Datastore) PageToken(ctx context.Context, driveID string) (string, error) {
	var pageToken string

	row := store.DB.QueryRowContext(ctx, sqlGetPageToken, driveID)
	if err := row.Scan(&pageToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ds.ErrFullSync
		}

		return "", storeErr(err)
	}

	// An empty token is the bootstrap placeholder of an interrupted full
	// sync: the drive row exists but no complete enumeration backs it.
	if pageToken == "" {
		return "", ds.ErrFullSync
	}

	return pageToken, nil
}

// ClearChangelog truncates both changelogs scoped to the drive.
func (store *Datastore) ClearChangelog(ctx context.Context, driveID string) error {
	tx, err := store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", ErrTransaction)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqlClearFolderChangelog, driveID); err != nil {
		return storeErr(err)
	}

	if _, err := tx.ExecContext(ctx, sqlClearFileChangelog, driveID); err != nil {
		return storeErr(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", ErrTransaction)
	}

	return nil
}

// RemoveDrive removes the drive, its content and its changelogs in one
// transaction.
func (store *Datastore) RemoveDrive(ctx context.Context, driveID string) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.RemoveDrive(driveID); err != nil {
		return err
	}

	return tx.Commit()
}

// Tx applies one page of sync work. All statements run against a single
// write transaction with deferred foreign keys, so the commit is the point
// where referential integrity is enforced.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Commit commits the transaction. A deferred constraint violation surfaces
// here as a data anomaly.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("commit: %v: %w", err, ds.ErrDataAnomaly)
		}

		return fmt.Errorf("commit: %w", ErrTransaction)
	}

	return nil
}

// Rollback aborts the transaction. Calling Rollback after Commit is a no-op.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", ErrTransaction)
	}

	return nil
}

// UpsertDrive creates or updates the drive row holding the page token.
func (t *Tx) UpsertDrive(drive ds.Drive) error {
	_, err := t.tx.ExecContext(t.ctx, sqlUpsertDrive, drive.ID, drive.PageToken)
	return storeErr(err)
}

// SetPageToken records the change-feed cursor of the drive.
func (t *Tx) SetPageToken(driveID string, pageToken string) error {
	_, err := t.tx.ExecContext(t.ctx, sqlSetPageToken, pageToken, driveID)
	return storeErr(err)
}

// SetDriveName renames the drive's root folder.
func (t *Tx) SetDriveName(driveID string, name string) error {
	_, err := t.tx.ExecContext(t.ctx, sqlSetDriveName, name, driveID, driveID)
	return storeErr(err)
}

// UpsertFolder blindly writes the folder. The update triggers reconcile the
// changelog and suppress writes which do not change any meaningful column.
func (t *Tx) UpsertFolder(folder ds.Folder) error {
	_, err := t.tx.ExecContext(t.ctx, sqlUpsertFolder,
		folder.ID, folder.DriveID, folder.Name, folder.Trashed, folder.Parent)
	return storeErr(err)
}

// UpsertFile blindly writes the file.
func (t *Tx) UpsertFile(file ds.File) error {
	_, err := t.tx.ExecContext(t.ctx, sqlUpsertFile,
		file.ID, file.DriveID, file.Name, file.Trashed, file.Parent, file.MD5, file.Size)
	return storeErr(err)
}

// DeleteItem removes the folder or file with the given ID. The cascade takes
// descendants with it and the delete triggers record every removal in the
// changelog.
func (t *Tx) DeleteItem(driveID string, id string) error {
	if _, err := t.tx.ExecContext(t.ctx, sqlDeleteFolder, id, driveID); err != nil {
		return storeErr(err)
	}

	if _, err := t.tx.ExecContext(t.ctx, sqlDeleteFile, id, driveID); err != nil {
		return storeErr(err)
	}

	return nil
}

// RemoveDrive deletes the drive row (cascading to folders and files) and
// drops the changelog entries the cascade produced.
func (t *Tx) RemoveDrive(driveID string) error {
	if _, err := t.tx.ExecContext(t.ctx, sqlDeleteDrive, driveID); err != nil {
		return storeErr(err)
	}

	if _, err := t.tx.ExecContext(t.ctx, sqlClearFolderChangelog, driveID); err != nil {
		return storeErr(err)
	}

	if _, err := t.tx.ExecContext(t.ctx, sqlClearFileChangelog, driveID); err != nil {
		return storeErr(err)
	}

	return nil
}

// ClearChangelog truncates both changelogs scoped to the drive.
func (t *Tx) ClearChangelog(driveID string) error {
	if _, err := t.tx.ExecContext(t.ctx, sqlClearFolderChangelog, driveID); err != nil {
		return storeErr(err)
	}

	if _, err := t.tx.ExecContext(t.ctx, sqlClearFileChangelog, driveID); err != nil {
		return storeErr(err)
	}

	return nil
}

const sqlUpsertDrive = `
INSERT INTO drives (id, page_token) VALUES (?, ?)
	ON CONFLICT (id) DO UPDATE SET
		page_token=excluded.page_token
`

const sqlSetPageToken = `
UPDATE drives SET page_token=? WHERE id=?
`

const sqlSetDriveName = `
UPDATE folders SET name=? WHERE id=? AND drive_id=?
`

const sqlUpsertFolder = `
INSERT INTO folders (id, drive_id, name, trashed, parent)
	VALUES (?, ?, ?, ?, NULLIF(?, ''))
	ON CONFLICT (id, drive_id) DO UPDATE SET
		name=excluded.name,
		trashed=excluded.trashed,
		parent=excluded.parent
`

const sqlUpsertFile = `
INSERT INTO files (id, drive_id, name, trashed, parent, md5, size)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id, drive_id) DO UPDATE SET
		name=excluded.name,
		trashed=excluded.trashed,
		parent=excluded.parent,
		md5=excluded.md5,
		size=excluded.size
`

const sqlDeleteFolder = `
DELETE FROM folders WHERE id=? AND drive_id=?
`

const sqlDeleteFile = `
DELETE FROM files WHERE id=? AND drive_id=?
`

const sqlDeleteDrive = `
DELETE FROM drives WHERE id=?
`

const sqlClearFolderChangelog = `
DELETE FROM folder_changelog WHERE drive_id=?
`

const sqlClearFileChangelog = `
DELETE FROM file_changelog WHERE drive_id=?
`

const sqlGetPageToken = `
SELECT page_token FROM drives WHERE id=?
`
