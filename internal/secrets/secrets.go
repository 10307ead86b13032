// Package secrets decrypts exchange API credentials stored as Fernet tokens.
package secrets

import (
	"fmt"

	"github.com/fernet/fernet-go"
)

// Decryptor holds the symmetric key used to unwrap credential tokens.
type Decryptor struct {
	key *fernet.Key
}

// NewDecryptor parses a base64 Fernet key.
func NewDecryptor(key string) (*Decryptor, error) {
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return &Decryptor{key: k}, nil
}

// Decrypt unwraps one token. Empty tokens decrypt to the empty string so
// optional credentials (password, uid) pass through. Tokens never expire;
// rotation is handled by re-encrypting at rest.
func (d *Decryptor) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{d.key})
	if msg == nil {
		return "", fmt.Errorf("credential token failed verification")
	}
	return string(msg), nil
}

// Credentials is the decrypted API credential set.
type Credentials struct {
	Key      string
	Secret   string
	Password string
	UID      string
}

// DecryptAll unwraps the full credential set, failing on the first bad token.
func (d *Decryptor) DecryptAll(keyTok, secretTok, passwordTok, uidTok string) (*Credentials, error) {
	key, err := d.Decrypt(keyTok)
	if err != nil {
		return nil, fmt.Errorf("api key: %w", err)
	}
	secret, err := d.Decrypt(secretTok)
	if err != nil {
		return nil, fmt.Errorf("api secret: %w", err)
	}
	password, err := d.Decrypt(passwordTok)
	if err != nil {
		return nil, fmt.Errorf("api password: %w", err)
	}
	uid, err := d.Decrypt(uidTok)
	if err != nil {
		return nil, fmt.Errorf("api uid: %w", err)
	}
	return &Credentials{Key: key, Secret: secret, Password: password, UID: uid}, nil
}
