package conformance

import (
	"net/http"
	"reflect"
	"sort"
	"testing"
	"time"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/gps"
	"github.com/planurbi/fieldcollect/internal/model"
	"github.com/planurbi/fieldcollect/internal/reconcile"
	"github.com/planurbi/fieldcollect/internal/workflow"
)

// workflowState is the part of GET /v1/workflow the scenarios check.
type workflowState struct {
	State          workflow.State          `json:"state"`
	PhotoBytes     int                     `json:"photoBytes"`
	Location       *model.CapturedLocation `json:"location"`
	Classification *gps.Classification     `json:"classification"`
	TokenHeld      bool                    `json:"tokenHeld"`
}

// RunConformanceTests runs the collection scenarios in order. They share the
// harness, so each one works on properties the earlier ones left missing.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Reconcile", h.testReconcile)
	t.Run("GPSClassification", h.testGPSClassification)
	t.Run("BusyDuringUpload", h.testBusyDuringUpload)
	t.Run("AuthExpiry", h.testAuthExpiry)
}

// RunAcceptanceTests checks the state left behind by RunConformanceTests.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("Progress", h.testProgress)
	t.Run("AuditTrail", h.testAuditTrail)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		if r := h.Do(t, http.MethodGet, path, "", nil); r.Status != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, r.Status)
		}
	}
}

func (h *Harness) setToken(t *testing.T, token string) {
	t.Helper()
	if r := h.Do(t, http.MethodPost, "/v1/auth/token", "application/json", []byte(`{"token":"`+token+`"}`)); r.Status != http.StatusOK {
		t.Fatalf("POST /v1/auth/token = %d", r.Status)
	}
}

func (h *Harness) collected(t *testing.T) int {
	t.Helper()
	var p model.Progress
	h.Do(t, http.MethodGet, "/v1/progress", "", nil).Decode(t, &p)
	return p.Collected
}

// testReconcile: remote M1.JPG, A2.png and X9.jpg mark A1 and A2 and nothing
// else; a second run adds nothing.
func (h *Harness) testReconcile(t *testing.T) {
	h.Remote.SetFiles("M1.JPG", "A2.png", "X9.jpg")
	h.setToken(t, "reconcile-token")

	var out struct {
		Result reconcile.Result `json:"result"`
	}
	h.Do(t, http.MethodPost, "/v1/reconcile", "", nil).Decode(t, &out)
	got := append([]string(nil), out.Result.AddedIDs...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"A1", "A2"}) {
		t.Fatalf("first reconcile added %v, want [A1 A2]", got)
	}

	h.Do(t, http.MethodPost, "/v1/reconcile", "", nil).Decode(t, &out)
	if len(out.Result.AddedIDs) != 0 {
		t.Errorf("second reconcile added %v, want none", out.Result.AddedIDs)
	}
	if n := h.collected(t); n != 2 {
		t.Errorf("collected = %d, want 2", n)
	}
}

// testGPSClassification: (-1,-1) with accuracy 25 against (-1.0003,-1) is
// 33 m away, imprecise and a moderate deviation.
func (h *Harness) testGPSClassification(t *testing.T) {
	if r := h.Do(t, http.MethodPost, "/v1/workflow/select", "application/json", []byte(`{"id":"A3"}`)); r.Status != http.StatusOK {
		t.Fatalf("select A3 = %d", r.Status)
	}

	var s workflowState
	h.Do(t, http.MethodPost, "/v1/workflow/capture?lat=-1&lon=-1&accuracy=25", "image/jpeg", []byte("photo-a3")).Decode(t, &s)
	if s.State != workflow.ReadyToUpload {
		t.Fatalf("state = %s, want ready_to_upload", s.State)
	}
	c := s.Classification
	if c == nil || !c.HasDistance || c.DistanceMeters != 33 || !c.Imprecise || c.Deviation != gps.DeviationModerate {
		t.Errorf("classification = %+v, want 33m imprecise moderate", c)
	}
	if s.Location == nil || s.Location.CadastralDistanceMeters == nil || *s.Location.CadastralDistanceMeters != 33 {
		t.Errorf("location = %+v, want cadastral distance 33", s.Location)
	}
}

// testBusyDuringUpload: a capture while A3 uploads is refused with BUSY and
// the ledger does not change until the upload resolves.
func (h *Harness) testBusyDuringUpload(t *testing.T) {
	before := h.collected(t)

	gate := make(chan struct{})
	entered := make(chan struct{})
	h.Remote.mu.Lock()
	h.Remote.Gate, h.Remote.Entered = gate, entered
	h.Remote.mu.Unlock()

	done := make(chan Response, 1)
	go func() {
		done <- h.Do(t, http.MethodPost, "/v1/workflow/upload", "", nil)
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("upload never reached the remote")
	}

	r := h.Do(t, http.MethodPost, "/v1/workflow/capture", "image/jpeg", []byte("second"))
	if r.Status != http.StatusConflict || r.Error == nil || r.Error.Code != string(errordefs.BUSY) {
		t.Errorf("capture during upload = %d %+v, want 409 BUSY", r.Status, r.Error)
	}
	if n := h.collected(t); n != before {
		t.Errorf("collected changed to %d during upload", n)
	}

	close(gate)
	if r := <-done; r.Status != http.StatusOK {
		t.Fatalf("upload = %d %+v", r.Status, r.Error)
	}
	if n := h.collected(t); n != before+1 {
		t.Errorf("collected = %d after upload, want %d", n, before+1)
	}
}

// testAuthExpiry: an expired credential returns the workflow to
// ready_to_upload with the photo and fix kept and the credential cleared.
func (h *Harness) testAuthExpiry(t *testing.T) {
	before := h.collected(t)

	h.Do(t, http.MethodPost, "/v1/workflow/select", "application/json", []byte(`{"id":"A4"}`))
	h.Do(t, http.MethodPost, "/v1/workflow/capture?lat=-1&lon=-1&accuracy=5", "image/png", []byte("photo-a4"))

	h.Remote.FailNext(errordefs.New(errordefs.AUTH_EXPIRED, "token expired"))
	r := h.Do(t, http.MethodPost, "/v1/workflow/upload", "", nil)
	if r.Status != http.StatusUnauthorized || r.Error == nil || r.Error.Code != string(errordefs.AUTH_EXPIRED) {
		t.Fatalf("upload = %d %+v, want 401 AUTH_EXPIRED", r.Status, r.Error)
	}

	var s workflowState
	h.Do(t, http.MethodGet, "/v1/workflow", "", nil).Decode(t, &s)
	if s.State != workflow.ReadyToUpload || s.PhotoBytes == 0 || s.Location == nil {
		t.Errorf("after expiry = %+v, want ready_to_upload with photo and location", s)
	}
	if s.TokenHeld {
		t.Error("expired credential still held")
	}
	if n := h.collected(t); n != before {
		t.Errorf("collected = %d, want %d", n, before)
	}

	// retry with a fresh credential
	h.setToken(t, "fresh-token")
	if r := h.Do(t, http.MethodPost, "/v1/workflow/upload", "", nil); r.Status != http.StatusOK {
		t.Fatalf("retry = %d %+v", r.Status, r.Error)
	}
}

func (h *Harness) testProgress(t *testing.T) {
	var p model.Progress
	h.Do(t, http.MethodGet, "/v1/progress", "", nil).Decode(t, &p)
	if p.Total != 4 || p.Collected != 4 || p.Missing != 0 || p.Percent != 100 {
		t.Errorf("progress = %+v, want everything collected", p)
	}
}

func (h *Harness) testAuditTrail(t *testing.T) {
	var records []model.UploadRecord
	h.Do(t, http.MethodGet, "/v1/uploads", "", nil).Decode(t, &records)

	// reconciled properties have no audit entry
	var ids []string
	for _, rec := range records {
		ids = append(ids, rec.Property.ID)
	}
	if !reflect.DeepEqual(ids, []string{"A3", "A4"}) {
		t.Errorf("audit ids = %v, want [A3 A4]", ids)
	}
}
