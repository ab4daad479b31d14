package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chat-tender/breaker"
	"github.com/onnwee/chat-tender/crypto"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/twitchapi"
)

// API is the slice of the identity service the store needs. *twitchapi.Client
// satisfies it.
type API interface {
	AuthCodeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Validate(ctx context.Context, accessToken string) (*twitchapi.ValidateResult, error)
	Revoke(ctx context.Context, accessToken string) error
}

// Options configure a Store.
type Options struct {
	API           API
	Breaker       *breaker.Breaker
	Path          string
	RedirectURI   string
	RefreshMargin time.Duration
	Encryptor     crypto.Encryptor // nil: plain JSON behind 0600 perms
}

// Store owns the credential. All mutation goes through it; callers get value
// copies.
type Store struct {
	api         API
	br          *breaker.Breaker
	enc         crypto.Encryptor
	path        string
	redirectURI string
	margin      time.Duration

	mu   sync.RWMutex
	cred *Credential

	sf               singleflight.Group
	rotationFailures atomic.Int64

	stateMu sync.Mutex
	states  map[string]time.Time // pending oauth states -> expiry
}

// NewStore builds a store. Load must be called before first use to pick up a
// previously persisted credential.
func NewStore(o Options) *Store {
	margin := o.RefreshMargin
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Store{
		api:         o.API,
		br:          o.Breaker,
		enc:         o.Encryptor,
		path:        o.Path,
		redirectURI: o.RedirectURI,
		margin:      margin,
		states:      make(map[string]time.Time),
	}
}

// Load reads the persisted credential if one exists. A missing file is not
// an error; it just means authorization has to run.
func (s *Store) Load() error {
	cred, err := readFile(s.path, s.enc)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	slog.Info("credential loaded", slog.Time("expires_at", cred.ExpiresAt), slog.Int("scopes", len(cred.Scopes)))
	return nil
}

// Current returns the stored credential without rotation.
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

// Valid returns the current credential when its expiry is comfortably away,
// rotating it otherwise. Concurrent callers during a rotation wait for and
// share the single in-flight result.
func (s *Store) Valid(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	cred := s.cred
	s.mu.RUnlock()
	if cred == nil {
		return Credential{}, ErrAuthRequired
	}
	if !cred.ExpiresWithin(s.margin) {
		return *cred, nil
	}
	return s.Rotate(ctx)
}

// Rotate exchanges the refresh token for a new access token through the
// circuit breaker. On failure the prior credential stays in place and the
// rotation-failure counter is bumped.
func (s *Store) Rotate(ctx context.Context) (Credential, error) {
	v, err, _ := s.sf.Do("rotate", func() (any, error) {
		return s.rotate(ctx)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (s *Store) rotate(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	cur := s.cred
	s.mu.RUnlock()
	if cur == nil || cur.RefreshToken == "" {
		return Credential{}, ErrAuthRequired
	}

	var tok *oauth2.Token
	err := s.br.Do(ctx, func(ctx context.Context) error {
		var e error
		tok, e = s.api.Refresh(ctx, cur.RefreshToken)
		return e
	})
	if err != nil {
		s.rotationFailures.Add(1)
		if telemetry.RotationFailures != nil {
			telemetry.RotationFailures.Inc()
		}
		slog.Warn("token rotation failed", slog.Any("err", err), slog.Int64("failures", s.rotationFailures.Load()))
		return Credential{}, errors.Join(ErrRotationFailed, err)
	}

	cred := s.adopt(tok, cur)
	slog.Info("token rotated", slog.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

// adopt installs a freshly granted token, carrying over the refresh token
// and scopes when the response omitted them, and persists the result.
func (s *Store) adopt(tok *oauth2.Token, prev *Credential) Credential {
	cred := Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       twitchapi.TokenScopes(tok),
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = twitchapi.ComputeExpiry(0)
	}
	if prev != nil {
		if cred.RefreshToken == "" {
			cred.RefreshToken = prev.RefreshToken
		}
		if len(cred.Scopes) == 0 {
			cred.Scopes = prev.Scopes
		}
	}
	s.mu.Lock()
	s.cred = &cred
	s.mu.Unlock()
	if err := writeFile(s.path, cred, s.enc); err != nil {
		slog.Warn("credential persist failed", slog.Any("err", err))
	}
	return cred
}

// Verify checks the stored credential against the identity service through
// the circuit breaker. A missing credential is ErrAuthRequired; a rejected
// one surfaces the remote error so the caller can decide to rotate.
func (s *Store) Verify(ctx context.Context) error {
	cred, ok := s.Current()
	if !ok {
		return ErrAuthRequired
	}
	var res *twitchapi.ValidateResult
	err := s.br.Do(ctx, func(ctx context.Context) error {
		var e error
		res, e = s.api.Validate(ctx, cred.AccessToken)
		return e
	})
	if err != nil {
		return fmt.Errorf("token: validate: %w", err)
	}
	slog.Info("credential verified", slog.String("login", res.Login), slog.Int("expires_in_s", res.ExpiresIn))
	return nil
}

// BeginAuthorize issues a CSRF state value and returns the authorization URL
// the user must visit. The state expires after 10 minutes.
func (s *Store) BeginAuthorize() (authURL, state string, err error) {
	state = uuid.NewString()
	authURL, err = s.api.AuthCodeURL(state)
	if err != nil {
		return "", "", err
	}
	s.stateMu.Lock()
	s.states[state] = time.Now().Add(10 * time.Minute)
	s.stateMu.Unlock()
	return authURL, state, nil
}

// CompleteAuthorize validates the callback state against the value issued at
// flow start and exchanges the code. Mismatched or expired states are
// rejected before any network call.
func (s *Store) CompleteAuthorize(ctx context.Context, code, state string) (Credential, error) {
	s.stateMu.Lock()
	exp, ok := s.states[state]
	delete(s.states, state)
	s.stateMu.Unlock()
	if !ok || time.Now().After(exp) {
		return Credential{}, ErrStateMismatch
	}
	if code == "" {
		return Credential{}, errors.New("token: missing authorization code")
	}

	var tok *oauth2.Token
	err := s.br.Do(ctx, func(ctx context.Context) error {
		var e error
		tok, e = s.api.Exchange(ctx, code)
		return e
	})
	if err != nil {
		return Credential{}, err
	}
	cred := s.adopt(tok, nil)
	slog.Info("authorization complete", slog.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

// Authorize runs the full interactive grant: it serves the redirect URI on a
// loopback listener, logs the URL to open, and blocks until the callback
// arrives or ctx is done.
func (s *Store) Authorize(ctx context.Context) (Credential, error) {
	u, err := url.Parse(s.redirectURI)
	if err != nil {
		return Credential{}, fmt.Errorf("token: bad redirect URI: %w", err)
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return Credential{}, fmt.Errorf("token: listen on redirect URI: %w", err)
	}

	authURL, _, err := s.BeginAuthorize()
	if err != nil {
		_ = ln.Close()
		return Credential{}, err
	}
	slog.Info("open the authorization URL in a browser", slog.String("url", authURL))

	type result struct {
		cred Credential
		err  error
	}
	resCh := make(chan result, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u.Path != "" && r.URL.Path != u.Path {
				http.NotFound(w, r)
				return
			}
			cred, err := s.CompleteAuthorize(r.Context(), r.URL.Query().Get("code"), r.URL.Query().Get("state"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				resCh <- result{err: err}
				return
			}
			fmt.Fprintln(w, "authorization complete; you can close this tab")
			resCh <- result{cred: cred}
		}),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("authorize callback server error", slog.Any("err", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-resCh:
		return res.cred, res.err
	}
}

// Revoke invalidates the credential remotely, clears it from memory, and
// removes the persisted file.
func (s *Store) Revoke(ctx context.Context) error {
	s.mu.Lock()
	cred := s.cred
	s.cred = nil
	s.mu.Unlock()
	if cred == nil {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("credential file removal failed", slog.Any("err", err))
	}
	if err := s.api.Revoke(ctx, cred.AccessToken); err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	slog.Info("credential revoked")
	return nil
}

// RotationFailures returns the number of failed rotations since start.
func (s *Store) RotationFailures() int64 { return s.rotationFailures.Load() }
