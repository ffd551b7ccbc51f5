package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
)

// HTTPSource fetches tokens from an OAuth2 token endpoint using the client
// credentials grant. It never needs the operator, so interactive is ignored.
type HTTPSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	hc           *http.Client
}

// tokenResponse is the subset of the token endpoint reply we use.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewHTTPSource creates a token endpoint client with short connection and
// request timeouts.
func NewHTTPSource(tokenURL, clientID, clientSecret string) *HTTPSource {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &HTTPSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		hc:           &http.Client{Transport: transport, Timeout: 5 * time.Second},
	}
}

// Token implements Source.
func (s *HTTPSource) Token(ctx context.Context, _ bool) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errordefs.Wrap(errordefs.INTERNAL, "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return "", errordefs.Wrap(errordefs.TRANSPORT, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return "", errordefs.Wrap(errordefs.TRANSPORT, "malformed token response", err)
		}
		if tr.AccessToken == "" {
			return "", errordefs.New(errordefs.AUTH_REQUIRED, "token endpoint returned no access_token")
		}
		return tr.AccessToken, nil
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return "", errordefs.New(errordefs.AUTH_REQUIRED, fmt.Sprintf("token request rejected: %s", resp.Status))
	default:
		return "", errordefs.New(errordefs.TRANSPORT, fmt.Sprintf("token request failed: %s", resp.Status))
	}
}

// ManualSource hands out tokens pasted in by the operator. An interactive
// request blocks until Submit or Dismiss is called or the context ends.
type ManualSource struct {
	mu      sync.Mutex
	waiters []chan manualResult
}

type manualResult struct {
	token string
	err   error
}

// NewManualSource creates a ManualSource with no pending requests.
func NewManualSource() *ManualSource {
	return &ManualSource{}
}

// Token implements Source.
func (m *ManualSource) Token(ctx context.Context, interactive bool) (string, error) {
	if !interactive {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "no credential held")
	}

	ch := make(chan manualResult, 1)
	m.mu.Lock()
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		m.remove(ch)
		return "", errordefs.Wrap(errordefs.AUTH_REQUIRED, "credential request abandoned", ctx.Err())
	}
}

// Pending reports whether an interactive request is waiting for the operator.
func (m *ManualSource) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters) > 0
}

// Submit resolves every pending request with token. It returns the number of
// requests resolved.
func (m *ManualSource) Submit(token string) int {
	return m.resolve(manualResult{token: token})
}

// Dismiss rejects every pending request, as if the operator closed the
// consent prompt.
func (m *ManualSource) Dismiss() int {
	return m.resolve(manualResult{err: errordefs.New(errordefs.AUTH_REQUIRED, "credential request dismissed")})
}

func (m *ManualSource) resolve(res manualResult) int {
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
	return len(waiters)
}

func (m *ManualSource) remove(ch chan manualResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// PromptSource reads a token from the controlling terminal without echo.
type PromptSource struct {
	in  *os.File
	out io.Writer
}

// NewPromptSource prompts on stderr and reads from stdin.
func NewPromptSource() *PromptSource {
	return &PromptSource{in: os.Stdin, out: os.Stderr}
}

// Token implements Source. Non-interactive requests and non-terminal input
// fail with AUTH_REQUIRED.
func (p *PromptSource) Token(ctx context.Context, interactive bool) (string, error) {
	if !interactive {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "no credential held")
	}
	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "stdin is not a terminal; set COLLECT_TOKEN_URL")
	}
	if err := ctx.Err(); err != nil {
		return "", errordefs.Wrap(errordefs.AUTH_REQUIRED, "credential request abandoned", err)
	}

	fmt.Fprint(p.out, "Access token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", errordefs.Wrap(errordefs.AUTH_REQUIRED, "failed to read token", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "empty token entered")
	}
	return tok, nil
}
