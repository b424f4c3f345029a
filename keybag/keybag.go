// Package keybag provides the device-bound wrapping key that seals cached key
// material at rest.
package keybag

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"go.uber.org/atomic"
)

const saltSize = 16

var keybagAAD = []byte("keysync-keybag")

// SoftwareKeybag derives its wrapping key from a passphrase with Argon2id.
// Locking discards the derived key; until Unlock is called again every
// operation returns interfaces.ErrLocked.
type SoftwareKeybag struct {
	mu     sync.RWMutex
	key    []byte
	salt   []byte
	locked atomic.Bool

	hooksMu sync.Mutex
	hooks   []func(locked bool)

	log *slog.Logger
}

// NewSoftwareKeybag creates a locked keybag with the given salt.
func NewSoftwareKeybag(salt []byte, log *slog.Logger) *SoftwareKeybag {
	kb := &SoftwareKeybag{
		salt: append([]byte(nil), salt...),
		log:  log,
	}
	kb.locked.Store(true)
	return kb
}

// LoadOrCreateSalt reads the per-device salt from path, creating it on first use.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("keybag salt at %s has length %d", path, len(salt))
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read keybag salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write keybag salt: %w", err)
	}
	return salt, nil
}

// Unlock derives the wrapping key from passphrase.
func (kb *SoftwareKeybag) Unlock(passphrase []byte) {
	key := cryptoutils.DeriveKeybagKey(passphrase, kb.salt)

	kb.mu.Lock()
	kb.key = key
	kb.mu.Unlock()

	if kb.locked.Swap(false) {
		kb.log.Info("Keybag unlocked")
		kb.notify(false)
	}
}

// Lock wipes the wrapping key.
func (kb *SoftwareKeybag) Lock() {
	kb.mu.Lock()
	cryptoutils.WipeBytes(kb.key)
	kb.key = nil
	kb.mu.Unlock()

	if !kb.locked.Swap(true) {
		kb.log.Info("Keybag locked")
		kb.notify(true)
	}
}

// IsLocked reports the current lock state.
func (kb *SoftwareKeybag) IsLocked() bool {
	return kb.locked.Load()
}

// OnLockChange registers a hook invoked after every lock state change.
func (kb *SoftwareKeybag) OnLockChange(hook func(locked bool)) {
	kb.hooksMu.Lock()
	defer kb.hooksMu.Unlock()
	kb.hooks = append(kb.hooks, hook)
}

func (kb *SoftwareKeybag) notify(locked bool) {
	kb.hooksMu.Lock()
	hooks := append([]func(bool){}, kb.hooks...)
	kb.hooksMu.Unlock()

	for _, hook := range hooks {
		hook(locked)
	}
}

func (kb *SoftwareKeybag) WrapWithHardwareKey(ctx context.Context, plaintext []byte) ([]byte, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	if kb.key == nil {
		return nil, interfaces.ErrLocked
	}
	return cryptoutils.WrapKey(kb.key, plaintext, keybagAAD)
}

func (kb *SoftwareKeybag) UnwrapWithHardwareKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	if kb.key == nil {
		return nil, interfaces.ErrLocked
	}
	return cryptoutils.UnwrapKey(kb.key, wrapped, keybagAAD)
}
