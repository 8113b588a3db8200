package engine

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowlexi/patchvec/internal/catalog"
	"github.com/flowlexi/patchvec/internal/opslog"
	"github.com/flowlexi/patchvec/internal/pverr"
)

// Archive streams a collection as a gzipped tarball. The collection lock is
// held for the whole walk so no writer mutates the tree mid-snapshot; WAL
// sidecar files ride along and sqlite recovers them on restore.
func (e *Engine) Archive(tenant, name string, w io.Writer) error {
	start := time.Now()
	err := e.doArchive(tenant, name, w)

	ev := opslog.Event{
		Op:         "archive",
		Tenant:     tenant,
		Collection: name,
		LatencyMs:  roundMs(time.Since(start)),
		Status:     "ok",
	}
	if err != nil {
		ev.Status = "error"
		ev.ErrorCode = string(pverr.From(err).Code)
	}
	e.emit(ev)
	return err
}

func (e *Engine) doArchive(tenant, name string, w io.Writer) error {
	if err := validateScope(tenant, name); err != nil {
		return err
	}

	c, err := e.getCollection(tenant, name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pverr.Unavailable("collection %s/%s is shutting down", tenant, name)
	}

	dir := c.dir
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archiving %s/%s: %w", tenant, name, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}
	return nil
}

// Restore materialises a collection from a gzipped tarball produced by
// Archive. Destructive: an existing collection under the same name is
// replaced by the snapshot.
func (e *Engine) Restore(tenant, name string, r io.Reader) error {
	start := time.Now()
	err := e.doRestore(tenant, name, r)

	ev := opslog.Event{
		Op:         "restore",
		Tenant:     tenant,
		Collection: name,
		LatencyMs:  roundMs(time.Since(start)),
		Status:     "ok",
	}
	if err != nil {
		ev.Status = "error"
		ev.ErrorCode = string(pverr.From(err).Code)
	}
	e.emit(ev)
	return err
}

func (e *Engine) doRestore(tenant, name string, r io.Reader) error {
	if err := validateScope(tenant, name); err != nil {
		return err
	}

	// Extract into a private staging directory first: a corrupt or
	// truncated archive must never take the existing collection with it.
	// The dot prefix keeps the catalog from listing the staging tree.
	dataDir := e.cfg.VectorStore.DataDir
	tenantDir := catalog.TenantDir(dataDir, tenant)
	if err := os.MkdirAll(tenantDir, 0755); err != nil {
		return fmt.Errorf("creating tenant dir: %w", err)
	}
	staging, err := os.MkdirTemp(tenantDir, ".restore-")
	if err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)
	if err := os.Chmod(staging, 0755); err != nil {
		return fmt.Errorf("preparing staging dir: %w", err)
	}

	if err := extractTarGz(staging, r); err != nil {
		if pe := pverr.From(err); pe.Code != pverr.CodeInternal {
			return err
		}
		return pverr.InvalidRequest("archive is not a valid collection tarball").WithCause(err)
	}

	// A restored tree must at least carry a manifest; anything else is not
	// a collection archive.
	if _, err := os.Stat(filepath.Join(staging, manifestFile)); err != nil {
		return pverr.InvalidRequest("archive does not contain a collection manifest")
	}

	e.guard.Lock()
	defer e.guard.Unlock()

	key := collectionKey(tenant, name)
	if c, open := e.collections[key]; open {
		delete(e.collections, key)
		c.mu.Lock()
		c.close()
		c.mu.Unlock()
	}

	dir := catalog.CollectionDir(dataDir, tenant, name)
	displaced := filepath.Join(tenantDir, ".replaced-"+name)
	os.RemoveAll(displaced)
	replaced := false
	if _, err := os.Stat(dir); err == nil {
		if err := os.Rename(dir, displaced); err != nil {
			return fmt.Errorf("displacing existing collection: %w", err)
		}
		replaced = true
	}
	if err := os.Rename(staging, dir); err != nil {
		if replaced {
			os.Rename(displaced, dir)
		}
		return fmt.Errorf("installing restored collection: %w", err)
	}
	if replaced {
		os.RemoveAll(displaced)
	}

	e.log.Info("collection restored",
		zap.String("tenant", tenant),
		zap.String("collection", name),
		zap.Bool("replaced", replaced),
	)
	return nil
}

func extractTarGz(dir string, r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return pverr.InvalidRequest("archive entry %q escapes the collection directory", hdr.Name)
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and specials are never produced by Archive.
			return pverr.InvalidRequest("archive entry %q has unsupported type", hdr.Name)
		}
	}
}
