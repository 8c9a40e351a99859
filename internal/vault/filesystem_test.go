package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aranet-sync/internal/snapshot"
)

func TestNewFileSystemVault(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")

	v, err := NewFileSystemVault("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "snapshots")); err != nil {
		t.Errorf("snapshots directory not created: %v", err)
	}
	if err := v.ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}

func TestFileSystemVault_PutGet(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	v, err := NewFileSystemVault("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	data := strings.Repeat("snapshot-bytes", 1000)
	if err := v.Put(ctx, "host-1", strings.NewReader(data), int64(len(data)), 12); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var buf bytes.Buffer
	if err := v.Get(ctx, "host-1", &buf); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if buf.String() != data {
		t.Errorf("Get() returned %d bytes, want %d", buf.Len(), len(data))
	}

	version, err := v.Version(ctx, "host-1")
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if version != 12 {
		t.Errorf("Version() = %d, want 12", version)
	}

	if _, err := os.Stat(filepath.Join(root, "snapshots", "host-1.db.age")); err != nil {
		t.Errorf("snapshot file not at expected path: %v", err)
	}
}

func TestFileSystemVault_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("size mismatch leaves no files", func(t *testing.T) {
		root := t.TempDir()
		v, err := NewFileSystemVault("test", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		if err := v.Put(ctx, "h", strings.NewReader("short"), 100, 1); err == nil {
			t.Fatal("Put() expected error for size mismatch")
		}
		entries, err := os.ReadDir(filepath.Join(root, "snapshots"))
		if err != nil {
			t.Fatalf("ReadDir() error = %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("snapshots dir has %d entries after failed Put, want 0", len(entries))
		}
	})

	t.Run("missing snapshot", func(t *testing.T) {
		v, err := NewFileSystemVault("test", t.TempDir())
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		var buf bytes.Buffer
		if err := v.Get(ctx, "nobody", &buf); !errors.Is(err, snapshot.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
		version, err := v.Version(ctx, "nobody")
		if err != nil || version != 0 {
			t.Errorf("Version() = %d, %v, want 0, nil", version, err)
		}
	})

	t.Run("corrupt version file", func(t *testing.T) {
		root := t.TempDir()
		v, err := NewFileSystemVault("test", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
		if err := os.WriteFile(filepath.Join(root, "snapshots", "h.version"), []byte("seven"), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		if _, err := v.Version(ctx, "h"); err == nil {
			t.Error("Version() expected error for corrupt version file")
		}
	})
}
