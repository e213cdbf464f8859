// file: internal/auth/keyring_store.go
package auth

import (
	"encoding/base64"

	"github.com/cockroachdb/errors"
	"github.com/zalando/go-keyring"

	"github.com/dkoosis/wiremux/internal/logging"
)

const (
	defaultKeyringService = "wiremux"
	defaultKeyringUser    = "shared-secret"
)

// KeyringStore persists the HMAC shared secret in the OS keychain between
// runs, built on github.com/zalando/go-keyring (present in the teacher's
// go.mod for exactly this purpose). This is CLI-adjacent convenience, not
// part of the core bus protocol.
type KeyringStore struct {
	logger  logging.Logger
	service string
	user    string
}

// NewKeyringStore builds a KeyringStore. Empty service/user fall back to
// package defaults.
func NewKeyringStore(service, user string) *KeyringStore {
	if service == "" {
		service = defaultKeyringService
	}
	if user == "" {
		user = defaultKeyringUser
	}
	return &KeyringStore{
		logger:  logging.GetLogger("auth.keyring"),
		service: service,
		user:    user,
	}
}

// Load retrieves the shared secret, or (nil, nil) if none is stored yet.
func (k *KeyringStore) Load() ([]byte, error) {
	encoded, err := keyring.Get(k.service, k.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			k.logger.Debug("no shared secret found in system keyring")
			return nil, nil
		}
		return nil, errors.Wrap(err, "auth: failed to load shared secret from system keyring")
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "auth: shared secret in keyring is corrupted")
	}
	return secret, nil
}

// Save writes secret to the OS keyring, overwriting any existing entry.
func (k *KeyringStore) Save(secret []byte) error {
	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := keyring.Set(k.service, k.user, encoded); err != nil {
		return errors.Wrap(err, "auth: failed to save shared secret to system keyring")
	}
	k.logger.Info("shared secret saved to system keyring")
	return nil
}

// Delete removes the stored secret, if any.
func (k *KeyringStore) Delete() error {
	if err := keyring.Delete(k.service, k.user); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "auth: failed to delete shared secret from system keyring")
	}
	return nil
}
