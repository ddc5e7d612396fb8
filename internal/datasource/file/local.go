// Package file serves pipeline inputs from the local filesystem.
package file

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// MaxFileBytes caps a single input file.
const MaxFileBytes = 64 << 20

var (
	// ErrNotFound reports a key that names no file.
	ErrNotFound = errors.New("datasource: not found")
	// ErrOutsideRoot reports a key that escapes its Dir.
	ErrOutsideRoot = errors.New("datasource: key escapes root")
	// ErrTooLarge reports a file above MaxFileBytes.
	ErrTooLarge = errors.New("datasource: file too large")
)

// Local is a single file on disk.
type Local struct {
	path string
}

func NewLocal(path string) *Local { return &Local{path: path} }

func (l *Local) Path() string { return l.path }

// Open returns the file for reading. A missing file yields ErrNotFound.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Join(ErrNotFound, err)
		}
		return nil, eris.Wrapf(err, "open %s", l.path)
	}
	return f, nil
}

// ReadAll reads the whole file at path, bounded by MaxFileBytes.
func ReadAll(ctx context.Context, path string) ([]byte, error) {
	rc, err := NewLocal(path).Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, MaxFileBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	if len(b) > MaxFileBytes {
		return nil, errors.Join(ErrTooLarge, errors.New(path))
	}
	return b, nil
}

// Dir resolves keys relative to Root.
type Dir struct {
	Root string
}

func (d Dir) Fetch(ctx context.Context, key string) ([]byte, error) {
	p, err := d.resolve(key)
	if err != nil {
		return nil, err
	}
	return ReadAll(ctx, p)
}

func (d Dir) resolve(key string) (string, error) {
	k := strings.TrimLeft(filepath.FromSlash(strings.ReplaceAll(key, "\\", "/")), string(filepath.Separator))
	if k == "" {
		return "", ErrNotFound
	}
	root := filepath.Clean(d.Root)
	p := filepath.Join(root, k)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return p, nil
}
