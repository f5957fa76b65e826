package sync

import (
	"path"
	"sort"
	"strings"

	"github.com/sidkik/vitadeploy/pkg/device"
	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

// RemoteEntry is a file or directory found under the install root.
type RemoteEntry struct {
	// Path is relative to the install root.
	Path string
	Size int64
	Kind device.Kind
}

// RemoteSnapshot is everything found under the install root, keyed by
// relative path.
type RemoteSnapshot map[string]RemoteEntry

// Add updates the RemoteSnapshot.
func (remote RemoteSnapshot) Add(e RemoteEntry) {
	remote[e.Path] = e
}

// ListRemote lists everything under root. A root that doesn't exist yields
// an empty snapshot and rootExists == false.
func ListRemote(session device.Session, root string) (
	snapshot RemoteSnapshot, rootExists bool, err error) {
	snapshot, rootExists, err = walkRemote(root, session.List)
	return snapshot, rootExists, errors.WithContext(err, "list remote tree")
}

type listFunc func(dir string) ([]device.Entry, error)

func walkRemote(root string, list listFunc) (RemoteSnapshot, bool, error) {
	snapshot := RemoteSnapshot{}
	children, err := list(root)
	if err != nil {
		if device.IsNotExist(err) {
			return snapshot, false, nil
		}
		return nil, false, err
	}

	// Breadth first, so a directory is always listed after its parent.
	type pending struct {
		rel      string
		children []device.Entry
	}
	queue := []pending{{children: children}}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		for _, child := range next.children {
			rel := path.Join(next.rel, child.Name)
			snapshot.Add(RemoteEntry{Path: rel, Size: child.Size, Kind: child.Kind})
			if child.Kind != device.KindDir {
				continue
			}

			grandchildren, err := list(path.Join(root, rel))
			if err != nil {
				return nil, true, err
			}
			queue = append(queue, pending{rel: rel, children: grandchildren})
		}
	}
	return snapshot, true, nil
}

// Plan is the set of remote operations that make the device match a tree.
// Deletes, Mkdirs and Uploads are disjoint, and each is already in the order
// it must be executed in.
type Plan struct {
	// CreateRoot is set when the install root itself is missing.
	CreateRoot bool

	// Deletes are deepest first, so directories are empty by the time
	// they're removed.
	Deletes []RemoteEntry

	// Mkdirs are relative directories, parents before children.
	Mkdirs []string

	// Uploads are ordered the same way as Mkdirs.
	Uploads []vpk.Entry

	// Unchanged are the files that already match.
	Unchanged []string
}

// Empty returns whether the plan leaves the device untouched.
func (p Plan) Empty() bool {
	return !p.CreateRoot && len(p.Deletes) == 0 && len(p.Mkdirs) == 0 &&
		len(p.Uploads) == 0
}

// Len returns the number of remote operations in the plan.
func (p Plan) Len() int {
	n := len(p.Deletes) + len(p.Mkdirs) + len(p.Uploads)
	if p.CreateRoot {
		n++
	}
	return n
}

// UploadSize returns the number of bytes the plan uploads.
func (p Plan) UploadSize() (total int64) {
	for _, e := range p.Uploads {
		total += e.Size
	}
	return total
}

// ComputePlan diffs the local tree against the remote snapshot. A remote
// entry of the wrong kind (a file where the tree needs a directory, or the
// reverse) is deleted and then recreated.
func ComputePlan(tree vpk.Tree, remote RemoteSnapshot, rootExists bool) Plan {
	plan := Plan{CreateRoot: !rootExists}

	wantDirs := map[string]struct{}{}
	for _, e := range tree.Entries() {
		for dir := path.Dir(e.Path); dir != "."; dir = path.Dir(dir) {
			wantDirs[dir] = struct{}{}
		}
	}

	for dir := range wantDirs {
		if curr, ok := remote[dir]; !ok || curr.Kind != device.KindDir {
			plan.Mkdirs = append(plan.Mkdirs, dir)
		}
	}

	for _, exp := range tree.Entries() {
		curr, ok := remote[exp.Path]
		if !ok || curr.Kind != device.KindFile || curr.Size != exp.Size {
			plan.Uploads = append(plan.Uploads, exp)
		} else {
			plan.Unchanged = append(plan.Unchanged, exp.Path)
		}
	}

	for _, curr := range remote {
		var keep bool
		if curr.Kind == device.KindDir {
			_, keep = wantDirs[curr.Path]
		} else {
			_, keep = tree.Get(curr.Path)
		}

		if !keep {
			plan.Deletes = append(plan.Deletes, curr)
		}
	}

	sort.Slice(plan.Mkdirs, func(i, j int) bool {
		return shallowerFirst(plan.Mkdirs[i], plan.Mkdirs[j])
	})
	sort.Slice(plan.Uploads, func(i, j int) bool {
		return shallowerFirst(plan.Uploads[i].Path, plan.Uploads[j].Path)
	})
	sort.Slice(plan.Deletes, func(i, j int) bool {
		a, b := plan.Deletes[i].Path, plan.Deletes[j].Path
		if depth(a) != depth(b) {
			return depth(a) > depth(b)
		}
		return a < b
	})
	sort.Strings(plan.Unchanged)
	return plan
}

func shallowerFirst(a, b string) bool {
	if depth(a) != depth(b) {
		return depth(a) < depth(b)
	}
	return a < b
}

func depth(p string) int {
	return strings.Count(p, "/")
}
