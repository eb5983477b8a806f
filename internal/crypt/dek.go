package crypt

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
	"gorm.io/datatypes"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/store"
)

const (
	dekName           = "dek"
	dekSize           = 32
	rotationAttempts  = 5
	dekRecordProvider = "dek"
)

// KeyWrapper wraps and unwraps data-encryption keys with a key-encryption
// key held outside the datastore. Implementations: the local HKDF wrapper
// below, or a cloud KMS.
type KeyWrapper interface {
	Wrap(dek []byte) (string, error)
	Unwrap(wrapped string) ([]byte, error)
}

// dekCipher is envelope encryption: random DEKs encrypt the data, the
// wrapper encrypts the DEKs, and the wrapped list lives in the datastore.
// Index 0 is the encrypt key; the rest decrypt old data after rotation.
type dekCipher struct {
	log     *logger.Logger
	deks    store.DEKStore
	wrapper KeyWrapper

	mu   sync.RWMutex
	keys [][]byte
}

func NewDEKCipher(ctx context.Context, logg *logger.Logger, deks store.DEKStore, wrapper KeyWrapper) (*dekCipher, error) {
	if deks == nil || wrapper == nil {
		return nil, fmt.Errorf("dek cipher requires a DEK store and a key wrapper")
	}
	c := &dekCipher{
		log:     logg.With("service", "DEKCipher"),
		deks:    deks,
		wrapper: wrapper,
	}
	if err := c.bootstrap(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// bootstrap loads the wrapped DEK list, creating it on first run. The
// insert is race safe: the first writer wins and everyone else reads the
// stored record back.
func (c *dekCipher) bootstrap(ctx context.Context) error {
	rec, err := c.deks.GetDEKRecord(ctx, dekRecordProvider)
	if fault.IsKind(err, fault.KindNotFound) {
		dek := make([]byte, dekSize)
		if _, rErr := io.ReadFull(rand.Reader, dek); rErr != nil {
			return rErr
		}
		wrapped, wErr := c.wrapper.Wrap(dek)
		if wErr != nil {
			return wErr
		}
		raw, mErr := json.Marshal([]string{wrapped})
		if mErr != nil {
			return mErr
		}
		created, iErr := c.deks.InsertDEKRecordIfAbsent(ctx, &types.DEKRecord{
			Provider:    dekRecordProvider,
			WrappedDEKs: datatypes.JSON(raw),
			Revision:    0,
		})
		if iErr != nil {
			return iErr
		}
		if created {
			c.setKeys([][]byte{dek})
			return nil
		}
		rec, err = c.deks.GetDEKRecord(ctx, dekRecordProvider)
	}
	if err != nil {
		return err
	}
	keys, err := c.unwrapAll(rec)
	if err != nil {
		return err
	}
	c.setKeys(keys)
	return nil
}

func (c *dekCipher) unwrapAll(rec *types.DEKRecord) ([][]byte, error) {
	var wrapped []string
	if err := json.Unmarshal(rec.WrappedDEKs, &wrapped); err != nil {
		return nil, fault.Wrap(fault.KindPreconditionFailed, "malformed wrapped DEK list", err)
	}
	if len(wrapped) == 0 {
		return nil, fault.New(fault.KindPreconditionFailed, "empty wrapped DEK list")
	}
	keys := make([][]byte, 0, len(wrapped))
	for _, w := range wrapped {
		k, err := c.wrapper.Unwrap(w)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (c *dekCipher) setKeys(keys [][]byte) {
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
}

func (c *dekCipher) snapshot() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys
}

func (c *dekCipher) Name() string { return dekName }

func (c *dekCipher) Encrypt(plaintext []byte) (string, error) {
	keys := c.snapshot()
	if len(keys) == 0 {
		return "", fault.New(fault.KindPreconditionFailed, "no data encryption keys loaded")
	}
	sealed, err := seal(keys[0], plaintext)
	if err != nil {
		return "", err
	}
	return prefix + dekName + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt tries every loaded DEK newest first; GCM authentication rejects
// the wrong ones.
func (c *dekCipher) Decrypt(ciphertext string) ([]byte, error) {
	sealed, err := stripPrefix(ciphertext, dekName)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, key := range c.snapshot() {
		plain, oErr := open(key, sealed)
		if oErr == nil {
			return plain, nil
		}
		lastErr = oErr
	}
	return nil, fault.Wrap(fault.KindPreconditionFailed, "no DEK decrypts this value", lastErr)
}

// Rotate generates a fresh DEK and prepends it to the wrapped list under
// the record's revision lock. Losing the race re-reads and retries, so
// two concurrent rotations both land without clobbering each other.
func (c *dekCipher) Rotate(ctx context.Context) error {
	for attempt := 0; attempt < rotationAttempts; attempt++ {
		rec, err := c.deks.GetDEKRecord(ctx, dekRecordProvider)
		if err != nil {
			return err
		}
		var wrapped []string
		if err := json.Unmarshal(rec.WrappedDEKs, &wrapped); err != nil {
			return fault.Wrap(fault.KindPreconditionFailed, "malformed wrapped DEK list", err)
		}

		dek := make([]byte, dekSize)
		if _, err := io.ReadFull(rand.Reader, dek); err != nil {
			return err
		}
		newWrapped, err := c.wrapper.Wrap(dek)
		if err != nil {
			return err
		}
		updated := append([]string{newWrapped}, wrapped...)

		ok, err := c.deks.UpdateDEKRecord(ctx, dekRecordProvider, updated, rec.Revision)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		rec, err = c.deks.GetDEKRecord(ctx, dekRecordProvider)
		if err != nil {
			return err
		}
		keys, err := c.unwrapAll(rec)
		if err != nil {
			return err
		}
		c.setKeys(keys)
		c.log.Info("DEK rotated", "active_keys", len(keys))
		return nil
	}
	return fault.New(fault.KindConflict, "DEK rotation kept losing the revision race")
}

// localKeyWrapper derives the key-encryption key from a master secret via
// HKDF-SHA256. Stands in for a KMS in single-tenant deployments.
type localKeyWrapper struct {
	kek []byte
}

func NewLocalKeyWrapperFromEnv(logg *logger.Logger) KeyWrapper {
	secret := strings.TrimSpace(env.Get("ENCRYPTION_MASTER_SECRET", "", logg))
	return NewLocalKeyWrapper([]byte(secret))
}

func NewLocalKeyWrapper(masterSecret []byte) KeyWrapper {
	r := hkdf.New(sha256.New, masterSecret, nil, []byte("memory-service/kek/v1"))
	kek := make([]byte, 32)
	_, _ = io.ReadFull(r, kek)
	return &localKeyWrapper{kek: kek}
}

func (w *localKeyWrapper) Wrap(dek []byte) (string, error) {
	sealed, err := seal(w.kek, dek)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (w *localKeyWrapper) Unwrap(wrapped string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fault.Wrap(fault.KindPreconditionFailed, "malformed wrapped DEK", err)
	}
	dek, err := open(w.kek, sealed)
	if err != nil {
		return nil, fault.Wrap(fault.KindPreconditionFailed, "DEK unwrap failed", err)
	}
	return dek, nil
}
