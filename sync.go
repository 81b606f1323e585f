package bernard

import (
	"context"

	ds "github.com/m-rots/bernard/datastore"
)

// fullSync bootstraps the drive with a complete enumeration.
//
// The start page token is recorded before the enumeration begins, so any
// remote change racing the enumeration is picked up by the next partial
// sync. The token is only persisted in the final transaction: a drive row
// still holding the empty placeholder marks an interrupted bootstrap and
// triggers a fresh full sync on the next run.
func (b *Bernard) fullSync(ctx context.Context, driveID string) error {
	startPageToken, err := b.fetch.pageToken(ctx, driveID)
	if err != nil {
		return err
	}

	// To prevent possible missing data, a sleep of 1-5 minutes between the
	// pageToken fetch and the full sync can be enabled.
	if b.safeSleep > 0 {
		b.fetch.sleep(b.safeSleep)
	}

	name, err := b.fetch.drive(ctx, driveID)
	if err != nil {
		return err
	}

	if err := b.bootstrapDrive(ctx, driveID, name); err != nil {
		return err
	}

	err = b.fetch.allContent(ctx, driveID, func(page *contentPage) error {
		return b.applyContentPage(ctx, driveID, page)
	})
	if err != nil {
		return err
	}

	// The enumeration is complete: persist the token and discard the
	// bootstrap changelog, which is noise rather than a delta.
	tx, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.SetPageToken(driveID, startPageToken); err != nil {
		return err
	}

	if err := tx.ClearChangelog(driveID); err != nil {
		return err
	}

	return tx.Commit()
}

// bootstrapDrive wipes any previous (possibly interrupted) state of the
// drive and inserts the drive row plus its root folder.
func (b *Bernard) bootstrapDrive(ctx context.Context, driveID string, name string) error {
	tx, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.RemoveDrive(driveID); err != nil {
		return err
	}

	if err := tx.UpsertDrive(ds.Drive{ID: driveID}); err != nil {
		return err
	}

	root := ds.Folder{ID: driveID, DriveID: driveID, Name: name}
	if err := tx.UpsertFolder(root); err != nil {
		return err
	}

	return tx.Commit()
}

// applyContentPage applies one page of the full enumeration in a single
// transaction. Folders go in hierarchy order before files.
func (b *Bernard) applyContentPage(ctx context.Context, driveID string, page *contentPage) error {
	tx, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, f := range ds.OrderFoldersOnHierarchy(page.folders) {
		if err := tx.UpsertFolder(f); err != nil {
			return err
		}
	}

	for _, f := range page.files {
		if err := tx.UpsertFile(f); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	b.log.Debug("applied content page",
		"drive", driveID, "folders", len(page.folders), "files", len(page.files))

	return nil
}

// partialSync applies the change feed from the stored page token onwards.
//
// Each page commits in its own transaction together with the cursor it
// advances to, so an interrupted sync resumes at the last committed page
// and never replays one.
func (b *Bernard) partialSync(ctx context.Context, driveID string, pageToken string) error {
	return b.fetch.changedContent(ctx, driveID, pageToken, func(page *changePage) error {
		// Nothing changed remotely: skip the write transaction entirely.
		if page.last && page.empty() && page.pageToken == pageToken {
			b.log.Debug("page token has not changed", "drive", driveID)
			return nil
		}

		return b.applyChangePage(ctx, driveID, page)
	})
}

// applyChangePage applies one page of the change feed in a single
// transaction: upserts first (folders in hierarchy order, then files),
// removals after, and finally the cursor.
func (b *Bernard) applyChangePage(ctx context.Context, driveID string, page *changePage) error {
	tx, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if page.driveName != "" {
		if err := tx.SetDriveName(driveID, page.driveName); err != nil {
			return err
		}
	}

	for _, f := range ds.OrderFoldersOnHierarchy(page.folders) {
		if err := tx.UpsertFolder(f); err != nil {
			return err
		}
	}

	for _, f := range page.files {
		if err := tx.UpsertFile(f); err != nil {
			return err
		}
	}

	for _, id := range page.removedIDs {
		if err := tx.DeleteItem(driveID, id); err != nil {
			return err
		}
	}

	if err := tx.SetPageToken(driveID, page.pageToken); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	b.log.Debug("applied change page",
		"drive", driveID, "folders", len(page.folders), "files", len(page.files),
		"removed", len(page.removedIDs), "pageToken", page.pageToken)

	return nil
}
