package vpk

import (
	"bytes"
	"io"
	"sort"
	"strings"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

const (
	// ExecutablePath is the slot the device loader boots from.
	ExecutablePath = "eboot.bin"

	// ParamSFOPath holds the generated application metadata.
	ParamSFOPath = "sce_sys/param.sfo"
)

var reservedPaths = map[string]struct{}{
	ExecutablePath: {},
	ParamSFOPath:   {},
}

// IsReserved returns whether p is one of the paths owned by the packager.
func IsReserved(p string) bool {
	_, ok := reservedPaths[p]
	return ok
}

// An Entry is a single file in a package.
type Entry struct {
	// Path is relative to the package root and uses forward slashes.
	Path string
	Size int64

	// Exactly one of SourcePath and Data is set. SourcePath is a local file
	// that's read at upload time, Data holds generated contents.
	SourcePath string
	Data       []byte
}

// Open returns the contents of the entry.
func (e Entry) Open() (io.ReadCloser, error) {
	if e.SourcePath == "" {
		return io.NopCloser(bytes.NewReader(e.Data)), nil
	}

	f, err := fs.Open(e.SourcePath)
	if err != nil {
		return nil, errors.WithContext(err, "open source")
	}
	return f, nil
}

// Tree is the complete, immutable file set of a package, ordered by path.
type Tree struct {
	entries []Entry
	index   map[string]int
}

func newTree(files map[string]Entry) Tree {
	t := Tree{index: map[string]int{}}
	for _, e := range files {
		t.entries = append(t.entries, e)
	}
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].Path < t.entries[j].Path
	})
	for i, e := range t.entries {
		t.index[e.Path] = i
	}
	return t
}

// NewTree builds a Tree from already validated entries. It's mostly useful
// for tests and tools that generate packages without an asset directory.
func NewTree(entries ...Entry) (Tree, error) {
	files := map[string]Entry{}
	for _, e := range entries {
		if err := ValidatePath(e.Path); err != nil {
			return Tree{}, err
		}
		if _, ok := files[e.Path]; ok {
			return Tree{}, errors.ConfigurationError{Subject: e.Path, Reason: "duplicate path"}
		}
		if e.SourcePath == "" {
			e.Size = int64(len(e.Data))
		}
		files[e.Path] = e
	}
	return newTree(files), nil
}

// Entries returns a copy of the entries in path order.
func (t Tree) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of files in the tree.
func (t Tree) Len() int {
	return len(t.entries)
}

// Get looks up the entry at p.
func (t Tree) Get(p string) (Entry, bool) {
	i, ok := t.index[p]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Size returns the total number of bytes in the tree.
func (t Tree) Size() (total int64) {
	for _, e := range t.entries {
		total += e.Size
	}
	return total
}

// ValidatePath checks that p is a clean relative package path that can't
// escape the package root.
func ValidatePath(p string) error {
	invalid := func(reason string) error {
		return errors.ConfigurationError{Subject: p, Reason: reason}
	}

	switch {
	case p == "":
		return invalid("empty path")
	case strings.HasPrefix(p, "/"):
		return invalid("must be relative to the package root")
	case strings.Contains(p, `\`):
		return invalid("must use forward slashes")
	}

	for _, segment := range strings.Split(p, "/") {
		switch segment {
		case "..":
			return invalid("must not traverse to a parent directory")
		case "", ".":
			return invalid("must not contain empty or `.` segments")
		}
	}
	return nil
}
