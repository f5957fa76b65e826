package vpk

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// maxLinkHops bounds symlink resolution so that link cycles fail instead of
// recursing forever.
const maxLinkHops = 40

// Option customizes Assemble.
type Option func(*builder)

// WithFile adds the local file `src` to the package at `dst`.
func WithFile(dst, src string) Option {
	return func(b *builder) {
		b.extra = append(b.extra, [2]string{dst, src})
	}
}

type builder struct {
	files map[string]Entry
	extra [][2]string
}

// Assemble builds the package tree for `desc`. The executable must already
// be a signed SELF; it's placed at ExecutablePath as-is. Every regular file
// under `assetDir` is mirrored at its relative path. An empty `assetDir`
// means the package has no assets.
func Assemble(executable, assetDir string, desc Descriptor, opts ...Option) (Tree, error) {
	if err := desc.Validate(); err != nil {
		return Tree{}, err
	}

	b := &builder{files: map[string]Entry{}}
	for _, opt := range opts {
		opt(b)
	}

	exe, err := statRegular(executable)
	if err != nil {
		return Tree{}, errors.ConfigurationError{
			Subject: executable, Reason: "executable is missing or unreadable", Err: err}
	}
	b.files[ExecutablePath] = Entry{Path: ExecutablePath, SourcePath: executable, Size: exe.Size()}

	paramSFO, err := ParamSFO(desc)
	if err != nil {
		return Tree{}, errors.WithContext(err, "generate param.sfo")
	}
	b.files[ParamSFOPath] = Entry{Path: ParamSFOPath, Data: paramSFO, Size: int64(len(paramSFO))}

	if assetDir != "" {
		root, err := filepath.Abs(assetDir)
		if err != nil {
			return Tree{}, errors.WithContext(err, "resolve asset directory")
		}

		fi, err := fs.Stat(root)
		if err != nil || !fi.IsDir() {
			return Tree{}, errors.ConfigurationError{
				Subject: assetDir, Reason: "asset directory doesn't exist", Err: err}
		}

		if err := b.mirror(root, root, "", 0); err != nil {
			return Tree{}, err
		}
	}

	for _, file := range b.extra {
		dst, src := file[0], file[1]
		if err := ValidatePath(dst); err != nil {
			return Tree{}, err
		}
		if IsReserved(dst) {
			return Tree{}, errors.ConfigurationError{Subject: dst, Reason: "path is reserved by the packager"}
		}
		if _, ok := b.files[dst]; ok {
			return Tree{}, errors.ConfigurationError{Subject: dst, Reason: "already provided by the asset directory"}
		}

		fi, err := statRegular(src)
		if err != nil {
			return Tree{}, errors.ConfigurationError{Subject: src, Reason: "file is missing or unreadable", Err: err}
		}
		b.files[dst] = Entry{Path: dst, SourcePath: src, Size: fi.Size()}
	}

	tree := newTree(b.files)
	log.WithFields(log.Fields{
		"titleID": desc.TitleID,
		"files":   tree.Len(),
		"bytes":   tree.Size(),
	}).Debug("Assembled package")
	return tree, nil
}

// mirror adds every regular file below `dir` to the package, prefixed with
// `prefix`. `root` is the asset directory that symlinks must stay within.
func (b *builder) mirror(root, dir, prefix string, hops int) error {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("read %q", dir))
	}

	for _, fi := range infos {
		local := filepath.Join(dir, fi.Name())
		rel := path.Join(prefix, fi.Name())
		if err := ValidatePath(rel); err != nil {
			return err
		}

		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			target, linkHops, err := resolveLink(root, local)
			if err != nil {
				return err
			}

			targetInfo, err := fs.Stat(target)
			if err != nil {
				return errors.WithContext(err, fmt.Sprintf("stat link target of %q", local))
			}

			if targetInfo.IsDir() {
				if hops+linkHops > maxLinkHops {
					return errors.ConfigurationError{Subject: local, Reason: "symlink cycle"}
				}
				if err := b.mirror(root, target, rel, hops+linkHops); err != nil {
					return err
				}
			} else if targetInfo.Mode().IsRegular() {
				b.add(rel, target, targetInfo.Size())
			}
		case fi.IsDir():
			if err := b.mirror(root, local, rel, hops); err != nil {
				return err
			}
		case fi.Mode().IsRegular():
			b.add(rel, local, fi.Size())
		default:
			log.WithField("path", local).Debug("Skipping irregular asset file")
		}
	}
	return nil
}

func (b *builder) add(rel, local string, size int64) {
	if IsReserved(rel) {
		log.WithField("path", rel).Warn(
			"Asset collides with a path generated by the packager. Ignoring the asset.")
		return
	}
	b.files[rel] = Entry{Path: rel, SourcePath: local, Size: size}
}

// resolveLink follows the symlink at `link` until it reaches a non-link, and
// rejects it if any hop leaves `root`.
func resolveLink(root, link string) (string, int, error) {
	reader, canRead := fs.(afero.LinkReader)
	lstater, canLstat := fs.(afero.Lstater)
	if !canRead || !canLstat {
		return "", 0, errors.New("filesystem doesn't support symlinks")
	}

	curr := link
	for hops := 1; hops <= maxLinkHops; hops++ {
		target, err := reader.ReadlinkIfPossible(curr)
		if err != nil {
			return "", 0, errors.WithContext(err, fmt.Sprintf("read link %q", curr))
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(curr), target)
		}
		target = filepath.Clean(target)

		if !within(root, target) {
			return "", 0, errors.ConfigurationError{
				Subject: link,
				Reason:  fmt.Sprintf("symlink resolves to %q, outside the asset directory", target),
			}
		}

		fi, isLstat, err := lstater.LstatIfPossible(target)
		if err != nil {
			return "", 0, errors.ConfigurationError{Subject: link, Reason: "dangling symlink", Err: err}
		}
		if !isLstat || fi.Mode()&os.ModeSymlink == 0 {
			return target, hops, nil
		}
		curr = target
	}
	return "", 0, errors.ConfigurationError{Subject: link, Reason: "symlink cycle"}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func statRegular(p string) (os.FileInfo, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, errors.New("%q is not a regular file", p)
	}
	return fi, nil
}
