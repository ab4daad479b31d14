// Package token owns the OAuth credential: acquisition through the
// interactive code grant, persisted storage with owner-only permissions,
// expiry tracking, and rotation. At most one rotation is in flight at a time
// regardless of how many connections share the credential.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/chat-tender/crypto"
)

var (
	// ErrAuthRequired means no usable credential exists; the interactive
	// authorization flow has to run before new connections can open.
	ErrAuthRequired = errors.New("token: authorization required")

	// ErrRotationFailed wraps a failed refresh-grant. The prior credential
	// stays in place; live sessions remain valid until the remote side
	// rejects them.
	ErrRotationFailed = errors.New("token: rotation failed")

	// ErrStateMismatch means the OAuth callback carried an unknown or
	// expired state value and was rejected.
	ErrStateMismatch = errors.New("token: oauth state mismatch")
)

// Credential is the access/refresh token pair with its expiry and granted
// scopes. Connections hold read-only copies obtained at session-open time;
// only the Store mutates the stored value.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
}

// ExpiresWithin reports whether the credential expires inside the given
// safety margin (or already has).
func (c Credential) ExpiresWithin(margin time.Duration) bool {
	return time.Until(c.ExpiresAt) <= margin
}

// readFile loads and decodes a persisted credential. A nil encryptor means
// the file holds plain JSON.
func readFile(path string, enc crypto.Encryptor) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if enc != nil {
		data, err = enc.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential file: %w", err)
		}
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("decode credential file: %w", err)
	}
	return &cred, nil
}

// writeFile persists a credential with owner-only permissions. The parent
// directory is created 0700; the file is written and re-chmodded 0600 in
// case of a pre-existing looser file.
func writeFile(path string, cred Credential, enc crypto.Encryptor) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save credential: create dir: %w", err)
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("save credential: encode: %w", err)
	}
	if enc != nil {
		data, err = enc.Encrypt(data)
		if err != nil {
			return fmt.Errorf("save credential: encrypt: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("save credential: write file: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("save credential: chmod file: %w", err)
	}
	return nil
}
