package token

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chat-tender/breaker"
	"github.com/onnwee/chat-tender/crypto"
	"github.com/onnwee/chat-tender/twitchapi"
)

// fakeAPI is a scriptable identity service.
type fakeAPI struct {
	refreshCalls  atomic.Int64
	validateCalls atomic.Int64
	refreshErr    error
	exchangeErr   error
	validateErr   error
	revoked       []string
	mu            sync.Mutex
}

func (f *fakeAPI) AuthCodeURL(state string) (string, error) {
	return "https://id.example/authorize?state=" + state, nil
}

func (f *fakeAPI) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth2.Token{
		AccessToken:  "exchanged-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(4 * time.Hour),
	}, nil
}

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.refreshCalls.Add(1)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	// Simulate a slow endpoint so concurrent callers overlap.
	time.Sleep(20 * time.Millisecond)
	return &oauth2.Token{
		AccessToken:  "rotated-access",
		RefreshToken: "rotated-refresh",
		Expiry:       time.Now().Add(4 * time.Hour),
	}, nil
}

func (f *fakeAPI) Validate(ctx context.Context, accessToken string) (*twitchapi.ValidateResult, error) {
	f.validateCalls.Add(1)
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return &twitchapi.ValidateResult{ClientID: "cid", Login: "bot", UserID: "u1", ExpiresIn: 3600}, nil
}

func (f *fakeAPI) Revoke(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, accessToken)
	return nil
}

func newTestStore(t *testing.T, api API) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(Options{
		API:           api,
		Breaker:       breaker.New("identity", 3, time.Minute),
		Path:          filepath.Join(dir, "secrets", "token.bin"),
		RedirectURI:   "http://127.0.0.1:0/callback",
		RefreshMargin: 5 * time.Minute,
	})
}

func seed(s *Store, expiresIn time.Duration) {
	s.mu.Lock()
	s.cred = &Credential{
		AccessToken:  "seed-access",
		RefreshToken: "seed-refresh",
		ExpiresAt:    time.Now().Add(expiresIn),
		Scopes:       []string{"chat:read", "chat:edit"},
	}
	s.mu.Unlock()
}

func TestValidReturnsFreshCredentialWithoutRotation(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(t, api)
	seed(s, time.Hour)

	cred, err := s.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if cred.AccessToken != "seed-access" {
		t.Errorf("access = %q", cred.AccessToken)
	}
	if n := api.refreshCalls.Load(); n != 0 {
		t.Errorf("refresh called %d times for a fresh credential", n)
	}
}

func TestValidRotatesInsideMargin(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(t, api)
	seed(s, time.Minute) // inside 5m margin

	cred, err := s.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if cred.AccessToken != "rotated-access" {
		t.Errorf("access = %q, want rotated", cred.AccessToken)
	}
	if n := api.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
}

func TestConcurrentValidSharesOneRotation(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(t, api)
	seed(s, time.Minute)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Valid(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := api.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh called %d times across %d concurrent callers, want 1", n, callers)
	}
}

func TestRotationFailureKeepsPriorCredential(t *testing.T) {
	api := &fakeAPI{refreshErr: errors.New("endpoint down")}
	s := newTestStore(t, api)
	seed(s, time.Minute)

	_, err := s.Rotate(context.Background())
	if !errors.Is(err, ErrRotationFailed) {
		t.Fatalf("err = %v, want ErrRotationFailed", err)
	}
	if s.RotationFailures() != 1 {
		t.Errorf("RotationFailures = %d, want 1", s.RotationFailures())
	}
	cred, ok := s.Current()
	if !ok || cred.AccessToken != "seed-access" {
		t.Errorf("prior credential not preserved: %+v ok=%v", cred, ok)
	}
}

func TestValidWithoutCredential(t *testing.T) {
	s := newTestStore(t, &fakeAPI{})
	if _, err := s.Valid(context.Background()); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
}

func TestPersistRoundTripAndPermissions(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(t, api)
	seed(s, time.Minute)

	if _, err := s.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatalf("stat credential file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
	dirInfo, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		t.Fatal(err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0o700 {
		t.Errorf("dir mode = %o, want 700", perm)
	}

	// A fresh store pointed at the same path reads the same credential back.
	s2 := NewStore(Options{API: api, Breaker: breaker.New("identity", 3, time.Minute), Path: s.path})
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cred, ok := s2.Current()
	if !ok || cred.AccessToken != "rotated-access" || cred.RefreshToken != "rotated-refresh" {
		t.Errorf("reloaded credential = %+v ok=%v", cred, ok)
	}
}

func TestPersistEncrypted(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{}
	dir := t.TempDir()
	path := filepath.Join(dir, "token.bin")
	s := NewStore(Options{API: api, Breaker: breaker.New("identity", 3, time.Minute), Path: path, Encryptor: enc})
	seed(s, time.Minute)
	if _, err := s.Rotate(context.Background()); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 || bytes.Contains(raw, []byte("rotated-access")) {
		t.Error("credential file stores tokens in the clear despite encryption")
	}

	s2 := NewStore(Options{API: api, Breaker: breaker.New("identity", 3, time.Minute), Path: path, Encryptor: enc})
	if err := s2.Load(); err != nil {
		t.Fatalf("Load encrypted: %v", err)
	}
	if cred, ok := s2.Current(); !ok || cred.AccessToken != "rotated-access" {
		t.Errorf("reloaded credential = %+v ok=%v", cred, ok)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	s := newTestStore(t, &fakeAPI{})
	if err := s.Load(); err != nil {
		t.Fatalf("Load with no file: %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Fatal("Current reported a credential with no file")
	}
}

func TestCompleteAuthorizeStateValidation(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(t, api)

	_, state, err := s.BeginAuthorize()
	if err != nil {
		t.Fatal(err)
	}

	// Unknown state is rejected before any network call.
	if _, err := s.CompleteAuthorize(context.Background(), "code", "forged-state"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("err = %v, want ErrStateMismatch", err)
	}

	cred, err := s.CompleteAuthorize(context.Background(), "abc", state)
	if err != nil {
		t.Fatalf("CompleteAuthorize: %v", err)
	}
	if cred.AccessToken != "exchanged-abc" {
		t.Errorf("access = %q", cred.AccessToken)
	}

	// State is single-use.
	if _, err := s.CompleteAuthorize(context.Background(), "abc", state); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("replayed state accepted: %v", err)
	}
}

func TestRevokeClearsCredential(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(t, api)
	seed(s, time.Hour)
	if _, err := s.Rotate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.Revoke(context.Background()); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Error("credential still present after revoke")
	}
	if _, err := os.Stat(s.path); !errors.Is(err, os.ErrNotExist) {
		t.Error("credential file still present after revoke")
	}
	if len(api.revoked) != 1 || api.revoked[0] != "rotated-access" {
		t.Errorf("revoked = %v", api.revoked)
	}
}

func TestVerifyChecksStoredCredential(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(t, api)
	seed(s, time.Hour)

	if err := s.Verify(context.Background()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n := api.validateCalls.Load(); n != 1 {
		t.Errorf("validate called %d times, want 1", n)
	}
}

func TestVerifyWithoutCredential(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(t, api)
	if err := s.Verify(context.Background()); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
	if api.validateCalls.Load() != 0 {
		t.Error("validate invoked without a credential")
	}
}

func TestVerifyRejectionSurfacesError(t *testing.T) {
	api := &fakeAPI{validateErr: errors.New("401 invalid access token")}
	s := newTestStore(t, api)
	seed(s, time.Hour)

	if err := s.Verify(context.Background()); err == nil {
		t.Fatal("Verify accepted a rejected credential")
	}
	// The credential stays in place; rotation is the caller's decision.
	if _, ok := s.Current(); !ok {
		t.Error("credential cleared by a failed verify")
	}
}

func TestVerifyFailuresOpenBreaker(t *testing.T) {
	api := &fakeAPI{validateErr: errors.New("endpoint down")}
	s := newTestStore(t, api)
	seed(s, time.Hour)

	for i := 0; i < 3; i++ {
		_ = s.Verify(context.Background())
	}
	before := api.validateCalls.Load()
	if err := s.Verify(context.Background()); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want breaker.ErrOpen", err)
	}
	if api.validateCalls.Load() != before {
		t.Error("validate invoked while circuit open")
	}
}

func TestRotateOpensBreakerAfterRepeatedFailures(t *testing.T) {
	api := &fakeAPI{refreshErr: errors.New("endpoint down")}
	s := newTestStore(t, api)
	seed(s, time.Minute)

	for i := 0; i < 3; i++ {
		_, _ = s.Rotate(context.Background())
	}
	// Breaker threshold (3) reached: next rotation fails fast without a call.
	before := api.refreshCalls.Load()
	_, err := s.Rotate(context.Background())
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want breaker.ErrOpen", err)
	}
	if api.refreshCalls.Load() != before {
		t.Error("refresh invoked while circuit open")
	}
}
