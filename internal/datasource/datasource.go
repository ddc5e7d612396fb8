// Package datasource resolves pipeline file keys to raw bytes.
//
// A key names an uploaded object ("uploads/2024/customers.csv"). The primary
// source is a local directory or an HTTP object store; when the object is not
// there, Fallback retries with the key's basename under a sample-data
// directory.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"lakeforge/internal/datasource/file"
)

var (
	// ErrNotFound is returned (possibly wrapped) when a key does not resolve.
	ErrNotFound = file.ErrNotFound
	// ErrOutsideRoot is returned for absolute keys unless AllowAbsolute is set.
	ErrOutsideRoot = file.ErrOutsideRoot
)

// Source fetches the full content behind a key.
type Source interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Basename is the filename part of a key, which is also the ParsedFile name.
func Basename(key string) string {
	k := strings.TrimRight(strings.ReplaceAll(key, "\\", "/"), "/")
	if k == "" {
		return key
	}
	return path.Base(k)
}

// Fallback tries Primary, then SampleDir/<basename>.
//
// Absolute local paths are read directly only when AllowAbsolute is set, which
// is for operator-driven runs from the command line. Otherwise they are
// rejected with ErrOutsideRoot, so keys from the network stay under the roots.
type Fallback struct {
	Primary       Source
	SampleDir     string
	AllowAbsolute bool
}

func (f Fallback) Fetch(ctx context.Context, key string) ([]byte, error) {
	if filepath.IsAbs(key) || strings.HasPrefix(key, "/") {
		if !f.AllowAbsolute {
			return nil, fmt.Errorf("%w: absolute key %q", ErrOutsideRoot, key)
		}
		return file.ReadAll(ctx, key)
	}

	var primaryErr error
	if f.Primary != nil {
		b, err := f.Primary.Fetch(ctx, key)
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		primaryErr = err
	}
	if f.SampleDir == "" {
		if primaryErr == nil {
			primaryErr = ErrNotFound
		}
		return nil, primaryErr
	}

	local := filepath.Join(f.SampleDir, Basename(key))
	b, err := file.ReadAll(ctx, local)
	if err != nil {
		return nil, errors.Join(primaryErr, err)
	}
	zap.L().Debug("file served from sample data",
		zap.String("key", key), zap.String("path", local), zap.NamedError("primary_error", primaryErr))
	return b, nil
}
