// Rekey-token re-encrypts the persisted OAuth credential file when the
// at-rest encryption key changes, or encrypts a previously plaintext file.
//
// Usage:
//
//	rekey-token [--dry-run]
//
// Environment Variables:
//	TOKEN_PATH: credential file (default .secrets/twitch_token.bin)
//	TOKEN_ENCRYPTION_KEY: base64-encoded 32-byte key to encrypt with (required)
//	TOKEN_ENCRYPTION_KEY_OLD: key the file is currently encrypted with
//	  (omit when the file is plaintext)
//
// Example:
//
//	export TOKEN_ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./rekey-token --dry-run
//	./rekey-token
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/chat-tender/crypto"
	"github.com/onnwee/chat-tender/token"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Validate the file and keys without rewriting")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	path := os.Getenv("TOKEN_PATH")
	if path == "" {
		path = ".secrets/twitch_token.bin"
	}
	newKey := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if newKey == "" {
		slog.Error("TOKEN_ENCRYPTION_KEY environment variable is required")
		os.Exit(1)
	}

	if err := rekey(path, newKey, os.Getenv("TOKEN_ENCRYPTION_KEY_OLD"), *dryRun); err != nil {
		slog.Error("rekey failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("rekey completed", slog.String("path", path), slog.Bool("dry_run", *dryRun))
}

func rekey(path, newKey, oldKey string, dryRun bool) error {
	newEnc, err := crypto.NewAESEncryptor(newKey)
	if err != nil {
		return fmt.Errorf("new key: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}

	if oldKey != "" {
		oldEnc, err := crypto.NewAESEncryptor(oldKey)
		if err != nil {
			return fmt.Errorf("old key: %w", err)
		}
		if data, err = oldEnc.Decrypt(data); err != nil {
			return fmt.Errorf("decrypt with old key: %w", err)
		}
	}

	// Validate the payload before committing to a rewrite.
	var cred token.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return fmt.Errorf("credential file does not decode (wrong or missing old key?): %w", err)
	}
	if cred.AccessToken == "" {
		return fmt.Errorf("credential file holds no access token")
	}
	slog.Info("credential validated", slog.Time("expires_at", cred.ExpiresAt), slog.Int("scopes", len(cred.Scopes)))

	if dryRun {
		return nil
	}

	out, err := newEnc.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt with new key: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod credential file: %w", err)
	}
	return nil
}
