package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
)

// blockingSource counts calls and blocks until released.
type blockingSource struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	token   string
}

func (b *blockingSource) Token(ctx context.Context, interactive bool) (string, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	<-b.release
	return b.token, nil
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "collector",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return tok
}

func TestHolderSingleFlight(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{}), token: "opaque-token"}
	h := NewHolder(src, nil)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.Token(context.Background(), true)
		}(i)
	}

	<-src.started
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	if n := src.calls.Load(); n != 1 {
		t.Errorf("source called %d times, want 1", n)
	}
	for i := range results {
		if errs[i] != nil || results[i] != "opaque-token" {
			t.Errorf("caller %d got %q, %v", i, results[i], errs[i])
		}
	}
	if !h.Has() {
		t.Error("token should be cached after a successful request")
	}
}

func TestHolderFlightSurvivesCallerCancel(t *testing.T) {
	m := NewManualSource()
	h := NewHolder(m, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := h.Token(ctxA, true)
		errA <- err
	}()
	waitPending(t, m)

	type result struct {
		tok string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		tok, err := h.Token(context.Background(), true)
		resB <- result{tok, err}
	}()

	cancelA()
	if err := <-errA; !errordefs.Is(err, errordefs.AUTH_REQUIRED) {
		t.Errorf("cancelled caller error = %v, want AUTH_REQUIRED", err)
	}
	select {
	case r := <-resB:
		t.Fatalf("second caller returned before the operator answered: %q, %v", r.tok, r.err)
	case <-time.After(20 * time.Millisecond):
	}
	if !m.Pending() {
		t.Fatal("the shared request should still be pending")
	}

	if n := m.Submit("pasted"); n != 1 {
		t.Errorf("Submit() resolved %d requests, want 1", n)
	}
	if r := <-resB; r.err != nil || r.tok != "pasted" {
		t.Errorf("second caller got %q, %v", r.tok, r.err)
	}
	if !h.Has() {
		t.Error("token should be held after the shared request resolves")
	}
}

func TestHolderExpiry(t *testing.T) {
	h := NewHolder(nil, nil)

	h.Set(signedToken(t, time.Now().Add(time.Hour)))
	if !h.Has() {
		t.Fatal("fresh JWT should be held")
	}

	h.Set(signedToken(t, time.Now().Add(10*time.Second)))
	if h.Has() {
		t.Error("JWT inside the expiry skew should count as absent")
	}

	_, err := h.Token(context.Background(), false)
	if !errordefs.Is(err, errordefs.AUTH_REQUIRED) {
		t.Errorf("Token() without source error = %v, want AUTH_REQUIRED", err)
	}
}

func TestHolderInvalidate(t *testing.T) {
	h := NewHolder(nil, nil)
	h.Set("opaque")
	if !h.Has() {
		t.Fatal("opaque token should be held")
	}
	h.Invalidate()
	if h.Has() {
		t.Error("token still held after Invalidate()")
	}
}

func TestManualSource(t *testing.T) {
	t.Run("non-interactive fails fast", func(t *testing.T) {
		m := NewManualSource()
		_, err := m.Token(context.Background(), false)
		if !errordefs.Is(err, errordefs.AUTH_REQUIRED) {
			t.Errorf("error = %v, want AUTH_REQUIRED", err)
		}
	})

	t.Run("submit resolves pending request", func(t *testing.T) {
		m := NewManualSource()
		done := make(chan string, 1)
		go func() {
			tok, _ := m.Token(context.Background(), true)
			done <- tok
		}()
		waitPending(t, m)
		if n := m.Submit("pasted"); n != 1 {
			t.Errorf("Submit() resolved %d requests, want 1", n)
		}
		if tok := <-done; tok != "pasted" {
			t.Errorf("Token() = %q, want pasted", tok)
		}
		if m.Pending() {
			t.Error("no request should remain pending")
		}
	})

	t.Run("dismiss rejects pending request", func(t *testing.T) {
		m := NewManualSource()
		done := make(chan error, 1)
		go func() {
			_, err := m.Token(context.Background(), true)
			done <- err
		}()
		waitPending(t, m)
		m.Dismiss()
		if err := <-done; !errordefs.Is(err, errordefs.AUTH_REQUIRED) {
			t.Errorf("error = %v, want AUTH_REQUIRED", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		m := NewManualSource()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if _, err := m.Token(ctx, true); !errordefs.Is(err, errordefs.AUTH_REQUIRED) {
			t.Errorf("error = %v, want AUTH_REQUIRED", err)
		}
		if m.Pending() {
			t.Error("cancelled request should not stay pending")
		}
	})
}

func waitPending(t *testing.T, m *ManualSource) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !m.Pending() {
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHTTPSource(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantTok  string
		wantCode errordefs.ErrorCode
	}{
		{"ok", http.StatusOK, `{"access_token":"abc","token_type":"Bearer","expires_in":3600}`, "abc", ""},
		{"rejected", http.StatusUnauthorized, `{"error":"invalid_client"}`, "", errordefs.AUTH_REQUIRED},
		{"server error", http.StatusBadGateway, ``, "", errordefs.TRANSPORT},
		{"empty token", http.StatusOK, `{}`, "", errordefs.AUTH_REQUIRED},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := r.ParseForm(); err != nil {
					t.Errorf("ParseForm() error = %v", err)
				}
				if r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("client_id") != "field-app" {
					t.Errorf("unexpected form: %v", r.PostForm)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			src := NewHTTPSource(srv.URL, "field-app", "s3cret")
			tok, err := src.Token(context.Background(), false)
			if tt.wantCode != "" {
				if !errordefs.Is(err, tt.wantCode) {
					t.Fatalf("error = %v, want %s", err, tt.wantCode)
				}
				return
			}
			if err != nil || tok != tt.wantTok {
				t.Fatalf("Token() = %q, %v; want %q", tok, err, tt.wantTok)
			}
		})
	}
}

func TestPromptSourceRequiresTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	p := &PromptSource{in: f, out: os.Stderr}
	if _, err := p.Token(context.Background(), false); !errordefs.Is(err, errordefs.AUTH_REQUIRED) {
		t.Errorf("non-interactive error = %v, want AUTH_REQUIRED", err)
	}
	if _, err := p.Token(context.Background(), true); !errordefs.Is(err, errordefs.AUTH_REQUIRED) {
		t.Errorf("non-terminal error = %v, want AUTH_REQUIRED", err)
	}
}
