package datastore

// RootFolders splits folders into those whose parent does not appear in the
// slice (roots) and those whose parent does (nonRoots).
func RootFolders(folders []Folder) (roots []Folder, nonRoots []Folder) {
	byID := make(map[string]Folder, len(folders))

	for _, folder := range folders {
		byID[folder.ID] = folder
	}

	for _, f := range folders {
		if _, ok := byID[f.Parent]; ok {
			nonRoots = append(nonRoots, f)
		} else {
			roots = append(roots, f)
		}
	}

	return roots, nonRoots
}

// OrderFoldersOnHierarchy orders folders so that every parent precedes its
// children. Folders whose parent lies outside the slice come first.
//
// The sync engine orders each page's folders this way before inserting them.
// With deferred constraints this is an optimisation rather than a
// requirement, but it keeps cascade-sensitive statements cheap and the
// insert order stable.
func OrderFoldersOnHierarchy(folders []Folder) (ordered []Folder) {
	nonRoots := folders

	for len(nonRoots) > 0 {
		var roots []Folder
		roots, nonRoots = RootFolders(nonRoots)

		if len(roots) == 0 {
			// Cycle between the remaining folders: append them as-is and
			// leave the verdict to the deferred constraint check.
			return append(ordered, nonRoots...)
		}

		ordered = append(ordered, roots...)
	}

	return ordered
}
