// Package secrets stores per-instance credential material (channel tokens,
// adapter API keys) behind a small interface so reconciliation logic never
// sees the storage mechanism.
package secrets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"filippo.io/age"
	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// Store is the secret store contract. Values are opaque strings; keys are
// scoped per instance.
type Store interface {
	// Set writes a secret value, replacing any existing value.
	Set(ctx context.Context, instanceID, key, value string) error

	// Get reads a secret value. A missing key is NOT_FOUND.
	Get(ctx context.Context, instanceID, key string) (string, error)

	// Delete removes a secret. Deleting a missing key is a no-op.
	Delete(ctx context.Context, instanceID, key string) error

	// List returns the secret keys stored for an instance.
	List(ctx context.Context, instanceID string) ([]string, error)
}

// nameRe constrains instance IDs and keys used as path elements.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// LocalConfig configures the file-backed store.
type LocalConfig struct {
	// Dir is the root directory, one subdirectory per instance.
	Dir string

	// Passphrase derives the encryption key.
	Passphrase string

	// ScryptWorkFactor overrides the key-derivation cost. Zero keeps the
	// library default; tests lower it.
	ScryptWorkFactor int
}

// LocalStore keeps one age-encrypted file per instance/key under a root
// directory. Values are encrypted at rest with a scrypt passphrase
// recipient; plaintext only ever lives in memory.
type LocalStore struct {
	cfg    LocalConfig
	logger zerolog.Logger
}

// NewLocalStore creates the store and its root directory.
func NewLocalStore(cfg LocalConfig, logger zerolog.Logger) (*LocalStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("secret store directory is required")
	}
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("secret store passphrase is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secret store directory: %w", err)
	}
	return &LocalStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "secret-store").Logger(),
	}, nil
}

// Set encrypts and writes a secret value.
func (s *LocalStore) Set(ctx context.Context, instanceID, key, value string) error {
	path, err := s.path(instanceID, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fleet.NewInternal("failed to create instance secret directory", err)
	}

	recipient, err := age.NewScryptRecipient(s.cfg.Passphrase)
	if err != nil {
		return fleet.NewInternal("failed to derive secret recipient", err)
	}
	if s.cfg.ScryptWorkFactor > 0 {
		recipient.SetWorkFactor(s.cfg.ScryptWorkFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fleet.NewInternal("failed to start secret encryption", err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		return fleet.NewInternal("failed to encrypt secret", err)
	}
	if err := w.Close(); err != nil {
		return fleet.NewInternal("failed to finish secret encryption", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fleet.NewInternal("failed to write secret file", err)
	}

	s.logger.Debug().Str("instance_id", instanceID).Str("key", key).Msg("Secret stored")
	return nil
}

// Get reads and decrypts a secret value.
func (s *LocalStore) Get(ctx context.Context, instanceID, key string) (string, error) {
	path, err := s.path(instanceID, key)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fleet.NewNotFound("secret " + key + " not found").WithInstance(instanceID)
		}
		return "", fleet.NewInternal("failed to read secret file", err)
	}

	identity, err := age.NewScryptIdentity(s.cfg.Passphrase)
	if err != nil {
		return "", fleet.NewInternal("failed to derive secret identity", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return "", fleet.NewInternal("failed to decrypt secret", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fleet.NewInternal("failed to read decrypted secret", err)
	}
	return string(plaintext), nil
}

// Delete removes a secret file. A missing file is a no-op.
func (s *LocalStore) Delete(ctx context.Context, instanceID, key string) error {
	path, err := s.path(instanceID, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fleet.NewInternal("failed to delete secret file", err)
	}
	return nil
}

// List returns the secret keys stored for an instance.
func (s *LocalStore) List(ctx context.Context, instanceID string) ([]string, error) {
	if !nameRe.MatchString(instanceID) {
		return nil, fleet.NewInternal("invalid instance id for secret path", nil)
	}

	entries, err := os.ReadDir(filepath.Join(s.cfg.Dir, instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fleet.NewInternal("failed to list secrets", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".age" {
			keys = append(keys, name[:len(name)-len(".age")])
		}
	}
	return keys, nil
}

// path validates the identifiers and builds the secret file path.
func (s *LocalStore) path(instanceID, key string) (string, error) {
	if !nameRe.MatchString(instanceID) {
		return "", fleet.NewInternal("invalid instance id for secret path", nil)
	}
	if !nameRe.MatchString(key) {
		return "", fleet.NewInternal("invalid secret key", nil)
	}
	return filepath.Join(s.cfg.Dir, instanceID, key+".age"), nil
}
