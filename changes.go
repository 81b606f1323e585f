package bernard

import (
	"context"
	"sort"

	ds "github.com/m-rots/bernard/datastore"
)

// ChangeSet is a queryable view of the changelog a partial sync accumulated
// for one drive. It stays valid until the next sync of the same drive
// clears the changelog.
type ChangeSet struct {
	DriveID string

	store ds.Datastore
}

// PathChange is a path that moved: the folder itself was renamed or moved,
// the file changed parents, or an ancestor dragged it along.
type PathChange struct {
	Old ds.Path
	New ds.Path
}

// ChangedPaths are the three disjoint buckets of a partial sync's delta.
//
// Each bucket is sorted by (drive, path, folders before files) for stable
// output. An entity that existed before the sync and whose resulting state
// is trashed counts as removed; one created already trashed during the sync
// appears in no bucket. Callers preferring to mirror trashed items can read the raw changelog via
// Folders and Files instead.
type ChangedPaths struct {
	Added   []ds.Path
	Removed []ds.Path
	Changed []PathChange
}

// Folders returns the raw folder changelog of the sync.
func (c *ChangeSet) Folders(ctx context.Context) ([]ds.ChangedFolder, error) {
	return c.store.ChangedFolders(ctx, c.DriveID)
}

// Files returns the raw file changelog of the sync.
func (c *ChangeSet) Files(ctx context.Context) ([]ds.ChangedFile, error) {
	return c.store.ChangedFiles(ctx, c.DriveID)
}

// Paths derives the added, removed and changed paths of the sync.
//
// A folder move or rename propagates to every live descendant: descendants
// untouched by the change feed get a synthesised old path under the folder's
// previous location.
func (c *ChangeSet) Paths(ctx context.Context) (*ChangedPaths, error) {
	rows, err := c.store.ChangedPaths(ctx, c.DriveID)
	if err != nil {
		return nil, err
	}

	type key struct {
		folder bool
		id     string
	}

	type pair struct {
		old *ds.ChangedPath
		new *ds.ChangedPath
	}

	pairs := make(map[key]*pair)
	inChangelog := make(map[string]bool)

	for i := range rows {
		row := &rows[i]
		inChangelog[row.ID] = true

		k := key{folder: row.IsFolder, id: row.ID}
		p, ok := pairs[k]
		if !ok {
			p = new(pair)
			pairs[k] = p
		}

		if row.Deleted {
			p.old = row
		} else {
			p.new = row
		}
	}

	out := new(ChangedPaths)
	var movedFolders []PathChange

	for _, p := range pairs {
		switch {
		case p.old == nil:
			// Entities born trashed never had a visible path.
			if !p.new.Trashed {
				out.Added = append(out.Added, p.new.Path)
			}
		case p.new == nil:
			out.Removed = append(out.Removed, p.old.Path)
		default:
			if p.new.Trashed {
				out.Removed = append(out.Removed, p.new.Path)
				continue
			}

			if p.old.Path.Path == p.new.Path.Path {
				continue
			}

			change := PathChange{Old: p.old.Path, New: p.new.Path}
			out.Changed = append(out.Changed, change)

			if p.new.IsFolder {
				movedFolders = append(movedFolders, change)
			}
		}
	}

	if err := c.propagate(ctx, movedFolders, inChangelog, out); err != nil {
		return nil, err
	}

	sortPaths(out.Added)
	sortPaths(out.Removed)
	sortChanges(out.Changed)

	return out, nil
}

// propagate rewrites the paths of live descendants of moved folders.
// Deepest folders claim their descendants first, so a rename within a
// renamed tree resolves against the nearest moved ancestor.
func (c *ChangeSet) propagate(ctx context.Context, movedFolders []PathChange, inChangelog map[string]bool, out *ChangedPaths) error {
	sort.Slice(movedFolders, func(i, j int) bool {
		return len(movedFolders[i].New.Path) > len(movedFolders[j].New.Path)
	})

	claimed := make(map[string]bool)

	for _, moved := range movedFolders {
		descendants, err := c.store.PathsWithin(ctx, c.DriveID, moved.New.Path)
		if err != nil {
			return err
		}

		for _, d := range descendants {
			if inChangelog[d.ID] || claimed[d.ID] {
				continue
			}
			claimed[d.ID] = true

			old := d
			old.Path = moved.Old.Path + d.Path[len(moved.New.Path):]

			out.Changed = append(out.Changed, PathChange{Old: old, New: d})
		}
	}

	return nil
}

func sortPaths(paths []ds.Path) {
	sort.Slice(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if a.DriveID != b.DriveID {
			return a.DriveID < b.DriveID
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.IsFolder && !b.IsFolder
	})
}

func sortChanges(changes []PathChange) {
	sort.Slice(changes, func(i, j int) bool {
		a, b := changes[i].New, changes[j].New
		if a.DriveID != b.DriveID {
			return a.DriveID < b.DriveID
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.IsFolder && !b.IsFolder
	})
}
