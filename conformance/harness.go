// Package conformance runs the field collection acceptance scenarios against
// a complete session served over HTTP.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/planurbi/fieldcollect/internal/auth"
	"github.com/planurbi/fieldcollect/internal/config"
	"github.com/planurbi/fieldcollect/internal/event"
	"github.com/planurbi/fieldcollect/internal/gps"
	"github.com/planurbi/fieldcollect/internal/model"
	"github.com/planurbi/fieldcollect/internal/reconcile"
	"github.com/planurbi/fieldcollect/internal/server"
	"github.com/planurbi/fieldcollect/internal/session"
	"github.com/planurbi/fieldcollect/internal/workflow"
)

// Dataset is the fixture every harness loads. A1 and A3 share registered
// coordinates so the GPS scenario can run on either.
const Dataset = `[
	{"inscricao": "A1", "matricula": "M1", "quadra": "Q1", "latitude": -1.0003, "longitude": -1.0},
	{"inscricao": "A2", "quadra": "Q1"},
	{"inscricao": "A3", "matricula": "M3", "quadra": "Q2", "latitude": -1.0003, "longitude": -1.0},
	{"inscricao": "A4", "quadra": "Q2"}
]`

// Config holds configuration for the harness.
type Config struct {
	// Dir holds the dataset and, with UseSQLite, the database. Two harnesses
	// on the same Dir share a ledger.
	Dir string

	// UseSQLite selects the sqlite store instead of the in-memory one
	UseSQLite bool
}

// Harness serves one session from an httptest server.
type Harness struct {
	server   *httptest.Server
	sess     *session.Session
	workflow *workflow.Controller
	Remote   *Remote
}

// NewHarness creates a harness. The remote folder starts empty.
func NewHarness(cfg Config) (*Harness, error) {
	path := filepath.Join(cfg.Dir, "properties.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(Dataset), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write dataset: %w", err)
		}
	}

	c := config.Config{DatasetPath: path, Store: config.StoreMemory, FolderID: "field"}
	if cfg.UseSQLite {
		c.Store = config.StoreSQLite
		c.SQLitePath = filepath.Join(cfg.Dir, "collect.db")
	}

	manual := auth.NewManualSource()
	sess, err := session.Open(context.Background(), c, manual, event.Noop{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	// The session has no remote configured, so wire the in-memory one here.
	rem := &Remote{}
	sess.Remote = rem
	sess.Reconciler = reconcile.NewEngine(rem, sess.Tokens, c.FolderID, nil, nil)

	feed := gps.NewFeed(gps.DefaultMaxAge)
	wf := workflow.New(workflow.Config{
		FolderID:         c.FolderID,
		GPSTimeout:       100 * time.Millisecond,
		AutoAdvanceDelay: time.Hour,
	}, workflow.Deps{
		Dataset:    sess.Dataset,
		Ledger:     sess.Ledger,
		Audit:      sess.Audit,
		Remote:     rem,
		Tokens:     sess.Tokens,
		Geolocator: feed,
	})

	mux := server.NewMux(server.Deps{
		Store:      sess.Store,
		Dataset:    sess.Dataset,
		Ledger:     sess.Ledger,
		Audit:      sess.Audit,
		Reconciler: sess.Reconciler,
		Workflow:   wf,
		Feed:       feed,
		Tracker:    gps.NewTracker(),
		Tokens:     sess.Tokens,
		Manual:     manual,
	}, server.Options{
		MaxPhotoSize:     1 << 20,
		AllowedMimeTypes: []string{"image/jpeg", "image/png"},
	})

	return &Harness{
		server:   httptest.NewServer(mux),
		sess:     sess,
		workflow: wf,
		Remote:   rem,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and releases the store.
func (h *Harness) Close() {
	h.server.Close()
	h.workflow.Close()
	_ = h.sess.Close()
}

// Response is a decoded service reply.
type Response struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Do sends a request and decodes the envelope. Non-JSON bodies leave Data empty.
func (h *Harness) Do(t *testing.T, method, path, contentType string, body []byte) Response {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := Response{Status: resp.StatusCode}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return out
}

// Decode unmarshals the data member into v.
func (r Response) Decode(t *testing.T, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("failed to decode %s: %v", r.Data, err)
	}
}

// Remote is an in-memory remote folder. Set Gate to hold uploads until it is
// closed; Entered is closed when an upload reaches the folder.
type Remote struct {
	mu      sync.Mutex
	files   []model.RemoteFileEntry
	failErr error
	Gate    chan struct{}
	Entered chan struct{}
}

// SetFiles replaces the folder listing.
func (r *Remote) SetFiles(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = nil
	for _, n := range names {
		r.files = append(r.files, model.RemoteFileEntry{Name: n, RemoteID: "r-" + n})
	}
}

// FailNext makes the next upload return err.
func (r *Remote) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failErr = err
}

// ListFiles implements remote.Storage.
func (r *Remote) ListFiles(ctx context.Context, token, folderID string) ([]model.RemoteFileEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RemoteFileEntry(nil), r.files...), nil
}

// UploadFile implements remote.Storage. It blocks on Gate when one is set.
func (r *Remote) UploadFile(ctx context.Context, token, folderID, filename, mimeType string, data []byte) (string, error) {
	r.mu.Lock()
	gate, entered := r.Gate, r.Entered
	r.Gate, r.Entered = nil, nil
	r.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failErr; err != nil {
		r.failErr = nil
		return "", err
	}
	r.files = append(r.files, model.RemoteFileEntry{Name: filename, RemoteID: "r-" + filename})
	return "r-" + filename, nil
}
