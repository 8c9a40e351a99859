// Package snapshot copies the history database into an encrypted,
// versioned snapshot held by a vault, and restores it again.
//
// The version of a snapshot is the highest sync run id recorded in the
// database it was taken from. A host whose local version is behind its
// vault's has lost runs and should restore before syncing again.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"aranet-sync/internal/aranet"
)

// ErrNotFound is returned when a vault holds no snapshot for a host.
var ErrNotFound = errors.New("snapshot not found")

// Vault stores one snapshot per host together with its version.
type Vault interface {
	// Put stores the snapshot read from r, replacing any previous one.
	// size is the number of bytes that will be read from r.
	Put(ctx context.Context, hostID string, r io.Reader, size int64, version int64) error

	// Get writes the stored snapshot to w, or returns ErrNotFound.
	Get(ctx context.Context, hostID string, w io.Writer) error

	// Version returns the stored snapshot version, 0 when there is none.
	Version(ctx context.Context, hostID string) (int64, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}

// Encryptor seals snapshots with a public key. Opening them needs the
// passphrase-protected private key.
type Encryptor interface {
	// Setup generates a key pair, stores the public key in plaintext and the
	// private key encrypted with passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key, failing on a wrong passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for one restore.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Source is a database that can copy itself to a file.
type Source interface {
	BackupTo(ctx context.Context, destPath string) error
	MaxSyncRunID(ctx context.Context) (int64, error)
}

// Service moves snapshots between a database and a vault.
type Service struct {
	vault     Vault
	encryptor Encryptor
	hostID    string
	logger    aranet.Logger
}

func NewService(vault Vault, encryptor Encryptor, hostID string, logger aranet.Logger) *Service {
	if logger == nil {
		logger = aranet.NewNopLogger()
	}
	return &Service{vault: vault, encryptor: encryptor, hostID: hostID, logger: logger}
}

// Backup copies src, encrypts the copy and stores it in the vault. It
// returns the version the snapshot was stored under.
func (s *Service) Backup(ctx context.Context, src Source) (int64, error) {
	version, err := src.MaxSyncRunID(ctx)
	if err != nil {
		return 0, err
	}

	dir, err := os.MkdirTemp("", "aranet-snapshot-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	plain := filepath.Join(dir, "snapshot.db")
	if err := src.BackupTo(ctx, plain); err != nil {
		return 0, err
	}

	sealed := filepath.Join(dir, "snapshot.db.age")
	if err := s.encryptFile(plain, sealed); err != nil {
		return 0, err
	}

	f, err := os.Open(sealed)
	if err != nil {
		return 0, fmt.Errorf("opening encrypted snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat encrypted snapshot: %w", err)
	}

	if err := s.vault.Put(ctx, s.hostID, f, info.Size(), version); err != nil {
		return 0, fmt.Errorf("uploading snapshot: %w", err)
	}
	s.logger.Info("snapshot stored", "host", s.hostID, "version", version, "bytes", info.Size())
	return version, nil
}

// Restore fetches the host's snapshot, decrypts it with dc and writes the
// database to destPath, which must not exist yet.
func (s *Service) Restore(ctx context.Context, dc DecryptionContext, destPath string) (int64, error) {
	if _, err := os.Stat(destPath); err == nil {
		return 0, fmt.Errorf("refusing to overwrite existing database %s", destPath)
	}

	version, err := s.vault.Version(ctx, s.hostID)
	if err != nil {
		return 0, fmt.Errorf("reading snapshot version: %w", err)
	}
	if version == 0 {
		return 0, fmt.Errorf("%w for host %s", ErrNotFound, s.hostID)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
		return 0, fmt.Errorf("creating database directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".restore-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.vault.Get(ctx, s.hostID, pw))
	}()
	if err := dc.Decrypt(pr, tmp); err != nil {
		pr.CloseWithError(err)
		tmp.Close()
		return 0, fmt.Errorf("decrypting snapshot: %w", err)
	}
	pr.Close()
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("writing restored database: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return 0, fmt.Errorf("moving restored database into place: %w", err)
	}
	s.logger.Info("snapshot restored", "host", s.hostID, "version", version, "path", destPath)
	return version, nil
}

// RemoteVersion returns the version of the host's snapshot in the vault.
func (s *Service) RemoteVersion(ctx context.Context) (int64, error) {
	return s.vault.Version(ctx, s.hostID)
}

// CheckCurrent fails when the vault holds a newer snapshot than local.
func (s *Service) CheckCurrent(ctx context.Context, src Source) error {
	remote, err := s.RemoteVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading snapshot version: %w", err)
	}
	local, err := src.MaxSyncRunID(ctx)
	if err != nil {
		return err
	}
	if remote > local {
		return fmt.Errorf("local database (version %d) is behind vault snapshot (version %d); run 'aranet db restore'", local, remote)
	}
	return nil
}

func (s *Service) encryptFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating encrypted snapshot: %w", err)
	}
	if err := s.encryptor.Encrypt(in, out); err != nil {
		out.Close()
		return fmt.Errorf("encrypting snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing encrypted snapshot: %w", err)
	}
	return nil
}
