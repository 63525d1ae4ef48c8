package wallet

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/xkilldash9x/metos/api/schemas"
)

// Keystore seals private keys to a fixed set of age recipients. Nothing is
// written in the clear.
type Keystore struct {
	dir        string
	recipients []age.Recipient
}

// NewKeystore parses the X25519 recipients ("age1...") that may decrypt the
// stored keys.
func NewKeystore(dir string, recipientKeys []string) (*Keystore, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("keystore needs at least one recipient")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("invalid keystore recipient %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return &Keystore{dir: dir, recipients: recipients}, nil
}

// Path is where the sealed key for address lives.
func (k *Keystore) Path(chain schemas.Chain, address string) string {
	return filepath.Join(k.dir, fmt.Sprintf("%s-%s.age", chain, address))
}

// Seal encrypts privateKey and writes it next to the other sealed keys. An
// existing file is never overwritten.
func (k *Keystore) Seal(chain schemas.Chain, address string, privateKey []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.recipients...)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(privateKey); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}

	path := k.Path(chain, address)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", schemas.NewError(schemas.KindIOError, "keystore.seal", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(path)
		return "", schemas.NewError(schemas.KindIOError, "keystore.seal", err)
	}
	if err := f.Close(); err != nil {
		return "", schemas.NewError(schemas.KindIOError, "keystore.seal", err)
	}
	return path, nil
}
