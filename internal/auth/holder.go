// Package auth obtains and caches the access credential used to talk to
// remote storage. Concurrent callers that find no credential share a single
// in-flight request instead of each prompting the operator.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
)

// Source is the Auth Collaborator. Interactive requests may block until the
// operator completes or dismisses a consent step.
type Source interface {
	Token(ctx context.Context, interactive bool) (string, error)
}

// expirySkew treats a token as expired slightly before its exp claim.
const expirySkew = 30 * time.Second

// Holder caches the current token for a session.
type Holder struct {
	src    Source
	mu     sync.RWMutex
	token  string
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewHolder creates a Holder that asks src when no valid token is held.
func NewHolder(src Source, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{
		src:    src,
		logger: logger.With("component", "auth"),
		now:    time.Now,
	}
}

// Token returns the held token, or requests one from the source. Requests
// are single-flight per interactivity mode: callers arriving while one is
// pending wait for its outcome.
func (h *Holder) Token(ctx context.Context, interactive bool) (string, error) {
	if tok := h.current(); tok != "" {
		return tok, nil
	}
	if h.src == nil {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "no credential source configured")
	}

	key := "background"
	if interactive {
		key = "interactive"
	}
	// The flight outlives any one caller. Each caller stops only its own wait;
	// an interactive request ends when the operator answers or dismisses it.
	flightCtx := context.WithoutCancel(ctx)
	ch := h.group.DoChan(key, func() (interface{}, error) {
		// Another flight may have finished while this one was being scheduled.
		if tok := h.current(); tok != "" {
			return tok, nil
		}
		tok, err := h.src.Token(flightCtx, interactive)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", errordefs.New(errordefs.AUTH_REQUIRED, "credential source returned an empty token")
		}
		if h.expired(tok) {
			return "", errordefs.New(errordefs.AUTH_EXPIRED, "credential source returned an expired token")
		}
		h.Set(tok)
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if _, ok := res.Err.(*errordefs.Error); ok {
				return "", res.Err
			}
			return "", errordefs.Wrap(errordefs.AUTH_REQUIRED, "failed to obtain credential", res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", errordefs.Wrap(errordefs.AUTH_REQUIRED, "credential request abandoned", ctx.Err())
	}
}

// Set installs a token obtained out of band.
func (h *Holder) Set(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
	h.logger.Debug("credential installed")
}

// Invalidate drops the held token so the next request re-authenticates.
func (h *Holder) Invalidate() {
	h.mu.Lock()
	had := h.token != ""
	h.token = ""
	h.mu.Unlock()
	if had {
		h.logger.Info("credential invalidated")
	}
}

// Has reports whether a non-expired token is held.
func (h *Holder) Has() bool {
	return h.current() != ""
}

// current returns the held token unless its exp claim has passed.
func (h *Holder) current() string {
	h.mu.RLock()
	tok := h.token
	h.mu.RUnlock()
	if tok == "" {
		return ""
	}
	if h.expired(tok) {
		h.Invalidate()
		return ""
	}
	return tok
}

// expired inspects the exp claim of JWT access tokens. The signature is not
// verified here; the storage provider does that. Opaque tokens never expire
// locally and are only dropped on an explicit expiry signal.
func (h *Holder) expired(tok string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !h.now().Add(expirySkew).Before(exp.Time)
}
