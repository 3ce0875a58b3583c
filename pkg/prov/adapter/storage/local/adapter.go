// Package local is the file-system object store.
package local

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/storage"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const (
	// ProviderType identifies this store.
	ProviderType = "local"
	moduleName   = "storage"
)

// Adapter stores objects as files under a base directory.
type Adapter struct {
	baseDir string
}

var _ storage.ObjectStore = (*Adapter)(nil)

// NewAdapter creates baseDir when missing.
func NewAdapter(baseDir string) (*Adapter, error) {
	if baseDir == "" {
		return nil, exception.NewProvError(exception.KindConfig, moduleName, "base directory must be set", nil)
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, exception.NewProvErrorf(exception.KindStore, moduleName, "cannot create %s", baseDir, err)
		}
	case err != nil:
		return nil, exception.NewProvErrorf(exception.KindStore, moduleName, "cannot stat %s", baseDir, err)
	case !info.IsDir():
		return nil, exception.NewProvErrorf(exception.KindConfig, moduleName, "%s is not a directory", baseDir)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, exception.NewProvErrorf(exception.KindConfig, moduleName, "cannot resolve %s", baseDir, err)
	}
	return &Adapter{baseDir: abs}, nil
}

// Type returns "local".
func (a *Adapter) Type() string { return ProviderType }

// Close holds no resources.
func (a *Adapter) Close() error { return nil }

// Upload writes to a temporary file and renames it so readers never see a partial object.
func (a *Adapter) Upload(ctx context.Context, objectName string, data io.Reader, contentType string) error {
	fullPath, err := a.resolvePath(objectName)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "cannot create %s", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "cannot create temporary file in %s", dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return exception.NewProvErrorf(exception.KindStore, moduleName, "cannot write %s", objectName, err)
	}
	if err := tmp.Close(); err != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "cannot write %s", objectName, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "cannot publish %s", objectName, err)
	}
	logger.Debugf("Stored object '%s' (%s).", objectName, contentType)
	return nil
}

// Download opens objectName for reading.
func (a *Adapter) Download(ctx context.Context, objectName string) (io.ReadCloser, error) {
	fullPath, err := a.resolvePath(objectName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, exception.NewProvErrorf(exception.KindStore, moduleName, "cannot open %s", objectName, err)
	}
	return f, nil
}

// ListObjects walks the base directory in lexical order.
func (a *Adapter) ListObjects(ctx context.Context, prefix string, fn func(objectName string) error) error {
	err := filepath.WalkDir(a.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(a.baseDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		return fn(name)
	})
	if err != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "cannot list %q", prefix, err)
	}
	return nil
}

// DeleteObject removes objectName.
func (a *Adapter) DeleteObject(ctx context.Context, objectName string) error {
	fullPath, err := a.resolvePath(objectName)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "cannot delete %s", objectName, err)
	}
	return nil
}

// resolvePath rejects names that escape the base directory.
func (a *Adapter) resolvePath(objectName string) (string, error) {
	fullPath := filepath.Join(a.baseDir, filepath.FromSlash(objectName))
	if fullPath != a.baseDir && !strings.HasPrefix(fullPath, a.baseDir+string(filepath.Separator)) {
		return "", exception.NewProvErrorf(exception.KindStore, moduleName, "object %q is outside %s", objectName, a.baseDir)
	}
	if fullPath == a.baseDir {
		return "", exception.NewProvErrorf(exception.KindStore, moduleName, "object name %q is empty", objectName)
	}
	return fullPath, nil
}
