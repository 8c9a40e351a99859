package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"aranet-sync/internal/snapshot"
)

// FileSystemVault stores snapshots under a directory, typically a mounted
// backup drive:
//
//	<root>/
//	  snapshots/
//	    <hostID>.db.age    encrypted database
//	    <hostID>.version   decimal version
type FileSystemVault struct {
	name string
	root string
	dir  string
}

// NewFileSystemVault creates the directory layout under root if missing.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	dir := filepath.Join(root, "snapshots")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileSystemVault{name: name, root: root, dir: dir}, nil
}

func (v *FileSystemVault) snapshotPath(hostID string) string {
	return filepath.Join(v.dir, hostID+".db.age")
}

func (v *FileSystemVault) versionPath(hostID string) string {
	return filepath.Join(v.dir, hostID+".version")
}

// Put replaces the snapshot atomically. The version file is written after
// the snapshot, so a crash in between leaves the older version number.
func (v *FileSystemVault) Put(ctx context.Context, hostID string, r io.Reader, size int64, version int64) error {
	if err := atomicWrite(v.snapshotPath(hostID), r, size); err != nil {
		return err
	}
	data := strings.NewReader(strconv.FormatInt(version, 10))
	return atomicWrite(v.versionPath(hostID), data, data.Size())
}

func (v *FileSystemVault) Get(ctx context.Context, hostID string, w io.Writer) error {
	f, err := os.Open(v.snapshotPath(hostID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w for host %s", snapshot.ErrNotFound, hostID)
		}
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	return nil
}

// Version returns 0 when no version file exists.
func (v *FileSystemVault) Version(ctx context.Context, hostID string) (int64, error) {
	data, err := os.ReadFile(v.versionPath(hostID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks that the snapshot directory exists and is writable.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(v.dir)
	if err != nil {
		return fmt.Errorf("vault directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", v.dir)
	}
	f, err := os.CreateTemp(v.dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("vault directory not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// atomicWrite copies exactly size bytes from r to destPath via a temp file
// in the same directory.
func atomicWrite(destPath string, r io.Reader, size int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true
	return nil
}

var _ snapshot.Vault = (*FileSystemVault)(nil)
