package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// Filesystem stores objects as plain files under a root directory. Keys map
// to paths below the root; `..` escapes and absolute keys are rejected.
type Filesystem struct {
	root string
}

// NewFilesystem returns a backend rooted at dir. The directory need not
// exist yet; Put creates it on first use.
func NewFilesystem(dir string) *Filesystem {
	return &Filesystem{root: filepath.Clean(dir)}
}

// resolve maps a key to an absolute path under fs.root.
func (fs *Filesystem) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	return filepath.Join(fs.root, filepath.FromSlash(clean)), nil
}

func (fs *Filesystem) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := fs.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%q", key)
	}
	if err != nil {
		return nil, unavailable(err, "filesystem get")
	}
	return data, nil
}

func (fs *Filesystem) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := fs.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return unavailable(err, "filesystem mkdir")
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return unavailable(err, "filesystem put")
	}
	vlog.VI(2).Infof("filesystem: stored %q (%d bytes)", key, len(data))
	return nil
}

// callbackError marks an error produced by the caller's fn (or a cancelled
// ctx) so List can return it verbatim instead of as a traversal failure.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }

func (fs *Filesystem) List(ctx context.Context, prefix string, fn func(key string) error) error {
	// Narrow the walk to the deepest directory the prefix pins down; the
	// remainder is matched per key.
	walkRoot := fs.root
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		walkRoot = filepath.Join(fs.root, filepath.FromSlash(prefix[:i]))
	}
	if _, err := os.Stat(walkRoot); os.IsNotExist(err) {
		return nil
	}
	err := godirwalk.Walk(walkRoot, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return &callbackError{err}
			}
			if !de.IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(fs.root, osPathname)
			if err != nil {
				return errors.Wrap(err, "filesystem list")
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			if err := fn(key); err != nil {
				return &callbackError{err}
			}
			return nil
		},
		// Sorted traversal so List output is deterministic.
		Unsorted: false,
	})
	if err != nil {
		var cb *callbackError
		if errors.As(err, &cb) {
			return cb.err
		}
		return unavailable(err, "filesystem list")
	}
	return nil
}
