package vault

import (
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// masterKeySize is the AEAD key size for chacha20poly1305 (256 bits).
const masterKeySize = 32

// ownerOnlyMode is the file mode required for the master key, vault
// envelope, and audit log: owner read/write, nothing for group or other.
const ownerOnlyMode fs.FileMode = 0o600

// loadOrGenerateMasterKey loads the master key from path, generating and
// persisting a fresh one if absent. Mirrors the generate-if-absent,
// persist-0600, never-log lifecycle of the teacher's signing-key loader
// (factotum/keyring.go loadOrGenerateSigningKey, kernel/host_key.go
// LoadHostIdentity), but the master key is never read from the environment:
// unlike a host identity meant to be passed into a container, this key must
// never appear in a process listing or shell history.
func loadOrGenerateMasterKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != masterKeySize {
			return nil, fmt.Errorf("%w: master key at %s has wrong size %d", ErrStorageError, path, len(data))
		}
		if err := enforceOwnerOnly(path); err != nil {
			return nil, err
		}
		key := make([]byte, masterKeySize)
		copy(key, data)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: reading master key: %v", ErrStorageError, err)
	}

	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generating master key: %v", ErrStorageError, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating vault directory: %v", ErrStorageError, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, key, ownerOnlyMode); err != nil {
		return nil, fmt.Errorf("%w: writing master key: %v", ErrStorageError, err)
	}
	if f, err := os.Open(tmp); err == nil {
		f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("%w: installing master key: %v", ErrStorageError, err)
	}
	if err := enforceOwnerOnly(path); err != nil {
		return nil, err
	}
	return key, nil
}

// enforceOwnerOnly verifies the file is owner-only and re-applies the mode
// if the host allows it; it refuses to proceed if the mode cannot be
// enforced, per spec §4.1's file-permission requirement.
func enforceOwnerOnly(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrStorageError, path, err)
	}
	if info.Mode().Perm() != ownerOnlyMode {
		if err := os.Chmod(path, ownerOnlyMode); err != nil {
			return fmt.Errorf("%w: cannot enforce owner-only permissions on %s: %v", ErrStorageError, path, err)
		}
		info, err = os.Stat(path)
		if err != nil {
			return fmt.Errorf("%w: re-stat %s: %v", ErrStorageError, path, err)
		}
		if info.Mode().Perm() != ownerOnlyMode {
			return fmt.Errorf("%w: host refused to enforce owner-only permissions on %s", ErrStorageError, path)
		}
	}
	return nil
}
