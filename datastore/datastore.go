// Package datastore provides the drive, folder and file representations used
// in Bernard, together with the Datastore interface the sync engine drives.
//
// The interface is transactional: the engine opens a Tx per fetched page,
// blindly upserts or deletes the page's items and commits. A conforming
// implementation must capture every effective state change in its changelog
// (see ChangedFolder, ChangedFile and ChangedPath) while suppressing no-op
// writes, and must check referential integrity at commit rather than per
// statement. A SQLite reference implementation lives in the sqlite
// subpackage.
package datastore

import (
	"context"
	"errors"
)

// Drive is a minimal representation of the Shared Drive itself.
//
// The PageToken acts as version control: each committed page of work has a
// matching pageToken denoting its position in the change feed.
type Drive struct {
	ID        string
	Name      string
	PageToken string
}

// Folder is a minimal representation of a file with mimeType
// `application/vnd.google-apps.folder` within Google Drive.
//
// Parent is empty only for the drive's root folder, whose ID equals the
// drive ID.
type Folder struct {
	ID      string
	DriveID string
	Name    string
	Parent  string
	Trashed bool
}

// File is a minimal representation of all other files within Google Drive
// which do not have the folder mimeType.
type File struct {
	ID      string
	DriveID string
	Name    string
	Parent  string
	Trashed bool
	Size    int64
	MD5     string
}

// ChangedFolder is a changelog snapshot of a folder. Deleted marks the old
// state of an update or the last state of a removed folder.
type ChangedFolder struct {
	Folder
	Deleted bool
}

// ChangedFile is a changelog snapshot of a file.
type ChangedFile struct {
	File
	Deleted bool
}

// Path is the POSIX-style absolute path of a live entity, rooted at the
// drive. The drive root itself contributes no segment.
type Path struct {
	IsFolder bool
	ID       string
	DriveID  string
	Path     string
	Trashed  bool
}

// ChangedPath is the effective path of a changelog entry at the time of the
// change. Deleted mirrors the changelog flag: a single update yields both a
// deleted and a non-deleted row.
type ChangedPath struct {
	Path
	Deleted bool
}

// Tx is a single page-application transaction. Referential integrity is
// checked when Commit is called, so items may arrive in any order within the
// transaction. Rollback after Commit is a no-op, which allows a deferred
// Rollback on every code path.
type Tx interface {
	// UpsertDrive creates or updates the drive row holding the page token.
	UpsertDrive(drive Drive) error

	// SetPageToken records the change-feed cursor this transaction's work
	// corresponds to.
	SetPageToken(driveID string, pageToken string) error

	// SetDriveName renames the drive's root folder.
	SetDriveName(driveID string, name string) error

	UpsertFolder(folder Folder) error
	UpsertFile(file File) error

	// DeleteItem removes the folder or file with the given ID, cascading to
	// any descendants. Unknown IDs are ignored.
	DeleteItem(driveID string, id string) error

	// RemoveDrive deletes the drive row, its content and its changelogs.
	RemoveDrive(driveID string) error

	// ClearChangelog truncates both changelogs scoped to the drive.
	ClearChangelog(driveID string) error

	Commit() error
	Rollback() error
}

// The Datastore is the storage engine interface used in Bernard.
type Datastore interface {
	Begin(ctx context.Context) (Tx, error)

	// PageToken returns the stored change-feed cursor of the given drive.
	// It returns ErrFullSync when the drive is absent or when only the
	// bootstrap placeholder is present, in which case a full sync is
	// required.
	PageToken(ctx context.Context, driveID string) (string, error)

	// ClearChangelog truncates both changelogs scoped to the drive.
	ClearChangelog(ctx context.Context, driveID string) error

	// RemoveDrive removes the drive and all of its content in one
	// transaction.
	RemoveDrive(ctx context.Context, driveID string) error

	ChangedFolders(ctx context.Context, driveID string) ([]ChangedFolder, error)
	ChangedFiles(ctx context.Context, driveID string) ([]ChangedFile, error)
	ChangedPaths(ctx context.Context, driveID string) ([]ChangedPath, error)

	// PathsWithin lists the live paths strictly below the given folder path.
	// The prefix itself is not included.
	PathsWithin(ctx context.Context, driveID string, prefix string) ([]Path, error)

	Close() error
}

// ErrDataAnomaly indicates a violation of the relationship constraints within
// the datastore. This error might occur when the Google Drive API has not
// processed all changes yet, and therefore returns an incomplete list of
// changes. When encountered it is best to wait a couple of seconds and re-run
// the sync.
var ErrDataAnomaly = errors.New("datastore: data anomaly")

// ErrDatabase indicates a fatal error within the datastore.
var ErrDatabase = errors.New("datastore: database related error")

// ErrFullSync indicates the datastore has no page token for the drive,
// which is exclusively the result of not having completed a full sync.
var ErrFullSync = errors.New("datastore: requires full sync")
