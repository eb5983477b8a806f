package crypt

import (
	"context"
	"encoding/json"
	"strings"

	"gorm.io/datatypes"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/store"
)

const prefix = "enc:"

// Cipher is one encryption provider. Ciphertext self-identifies through
// the "enc:<name>:" prefix, so a codec holding several providers can
// decrypt old data while encrypting with the current one.
type Cipher interface {
	Name() string
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// Codec dispatches decryption by ciphertext prefix and encrypts with the
// primary provider. A nil primary means encryption is off: values pass
// through untouched, but decryption of previously encrypted values still
// works through the provider list.
type Codec struct {
	primary   Cipher
	providers map[string]Cipher
}

func NewCodec(primary Cipher, extra ...Cipher) *Codec {
	c := &Codec{primary: primary, providers: map[string]Cipher{}}
	if primary != nil {
		c.providers[primary.Name()] = primary
	}
	for _, p := range extra {
		if p != nil {
			c.providers[p.Name()] = p
		}
	}
	return c
}

func (c *Codec) Enabled() bool { return c != nil && c.primary != nil }

func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	if !c.Enabled() {
		return string(plaintext), nil
	}
	return c.primary.Encrypt(plaintext)
}

// Decrypt handles both encrypted values and plaintext written before
// encryption was enabled.
func (c *Codec) Decrypt(value string) ([]byte, error) {
	name, ok := providerOf(value)
	if !ok {
		return []byte(value), nil
	}
	p, known := c.providers[name]
	if !known {
		return nil, fault.Newf(fault.KindPreconditionFailed, "no decryption provider for %q", name)
	}
	return p.Decrypt(value)
}

// EncryptJSON replaces a JSON document with a bare JSON string holding
// the ciphertext. Storage keeps the column a valid JSON value either way.
func (c *Codec) EncryptJSON(doc datatypes.JSON) (datatypes.JSON, error) {
	if !c.Enabled() || len(doc) == 0 {
		return doc, nil
	}
	ct, err := c.Encrypt([]byte(doc))
	if err != nil {
		return nil, err
	}
	quoted, err := json.Marshal(ct)
	if err != nil {
		return nil, fault.Internal("quote ciphertext", err)
	}
	return datatypes.JSON(quoted), nil
}

// DecryptJSON restores a document written by EncryptJSON. Documents that
// are not a prefixed ciphertext string come back unchanged.
func (c *Codec) DecryptJSON(doc datatypes.JSON) (datatypes.JSON, error) {
	if len(doc) == 0 {
		return doc, nil
	}
	var asString string
	if err := json.Unmarshal(doc, &asString); err != nil {
		return doc, nil
	}
	if _, ok := providerOf(asString); !ok {
		return doc, nil
	}
	plain, err := c.Decrypt(asString)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(plain), nil
}

func providerOf(value string) (string, bool) {
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	rest := value[len(prefix):]
	i := strings.IndexByte(rest, ':')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

// Service carries the two independently switchable codecs: one for
// datastore fields, one for attachment payloads.
type Service struct {
	DB         *Codec
	Attachment *Codec
}

// New builds the encryption service from the environment.
// ENCRYPTION_PROVIDER is an ordered comma-separated list (none, aesgcm,
// dek): the first entry encrypts new data, the rest stay decrypt-only so
// data written under a previous provider keeps reading during a
// migration. The db and attachment sides toggle independently.
func New(ctx context.Context, logg *logger.Logger, deks store.DEKStore) (*Service, error) {
	dbOn := env.GetAsBool("ENCRYPTION_DB_ENABLED", false, logg)
	attachOn := env.GetAsBool("ENCRYPTION_ATTACHMENTS_ENABLED", false, logg)

	var (
		primary Cipher
		legacy  []Cipher
		built   = map[string]bool{}
	)
	for i, raw := range strings.Split(env.Get("ENCRYPTION_PROVIDER", "none", logg), ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || name == "none" || built[name] {
			continue
		}
		var (
			c   Cipher
			err error
		)
		switch name {
		case "aesgcm":
			c, err = NewAESGCMFromEnv(logg)
		case "dek":
			c, err = NewDEKCipher(ctx, logg, deks, NewLocalKeyWrapperFromEnv(logg))
		default:
			return nil, fault.Newf(fault.KindInvalidArgument, "unknown encryption provider %q", name)
		}
		if err != nil {
			return nil, err
		}
		built[name] = true
		if i == 0 {
			primary = c
		} else {
			legacy = append(legacy, c)
		}
	}

	all := legacy
	if primary != nil {
		all = append([]Cipher{primary}, legacy...)
	}
	svc := &Service{DB: NewCodec(nil, all...), Attachment: NewCodec(nil, all...)}
	if dbOn {
		svc.DB = NewCodec(primary, legacy...)
	}
	if attachOn {
		svc.Attachment = NewCodec(primary, legacy...)
	}
	return svc, nil
}
