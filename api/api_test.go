package api_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/supercheck-io/supercheck-sub009/admission"
	"github.com/supercheck-io/supercheck-sub009/api"
	brokermem "github.com/supercheck-io/supercheck-sub009/broker/memory"
	"github.com/supercheck-io/supercheck-sub009/capacity"
	"github.com/supercheck-io/supercheck-sub009/recon"
	"github.com/supercheck-io/supercheck-sub009/run"
	"github.com/supercheck-io/supercheck-sub009/store/memory"
	"github.com/supercheck-io/supercheck-sub009/telemetry"
)

const testOrg = "org-acme"

// nameStub resolves every test ID to a fixed display name.
type nameStub struct{}

func (nameStub) TestName(_ context.Context, _, testID string) (string, error) {
	return "name of " + testID, nil
}

func newTestRouter(t *testing.T, limits capacity.Limits, opts ...api.Option) (*gin.Engine, *admission.Controller, *brokermem.Broker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := memory.New()
	mq := brokermem.New()
	ctrl := admission.New(s, s, capacity.StaticLimits(limits), s, mq)
	rec := recon.New(s, s, mq)
	pub := telemetry.NewPublisher(slog.New(slog.DiscardHandler))

	opts = append([]api.Option{api.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	srv := api.NewServer(ctrl, rec, pub, opts...)

	r := gin.New()
	srv.Register(r)
	return r, ctrl, mq
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateRunAdmitted(t *testing.T) {
	r, _, _ := newTestRouter(t, capacity.Limits{RunningCapacity: 1})

	w := doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{"engine":"browser","testId":"t-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var resp struct {
		RunID         string `json:"runId"`
		Status        string `json:"status"`
		QueuePosition int    `json:"queuePosition"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != string(run.StatusRunning) || resp.RunID == "" {
		t.Fatalf("resp = %+v, want a running run", resp)
	}
	if resp.QueuePosition != 0 {
		t.Fatalf("queuePosition = %d, want omitted for admitted runs", resp.QueuePosition)
	}
}

func TestCreateRunQueuedReportsPosition(t *testing.T) {
	r, _, _ := newTestRouter(t, capacity.Limits{RunningCapacity: 1, QueuedCapacity: 2})

	doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{"engine":"browser"}`)
	w := doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{"engine":"browser"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status        string `json:"status"`
		QueuePosition int    `json:"queuePosition"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != string(run.StatusQueued) || resp.QueuePosition != 1 {
		t.Fatalf("resp = %+v, want queued at position 1", resp)
	}
}

func TestCreateRunErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		limits   capacity.Limits
		fill     int
		wantCode int
		wantBody string
	}{
		{"capacity exceeded", capacity.Limits{RunningCapacity: 1, QueuedCapacity: 0}, 1, http.StatusTooManyRequests, "CAPACITY_EXCEEDED"},
		{"plan limit", capacity.Limits{}, 0, http.StatusPaymentRequired, "PLAN_LIMIT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newTestRouter(t, tc.limits)
			for range tc.fill {
				doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{"engine":"browser"}`)
			}
			w := doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{"engine":"browser"}`)
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tc.wantCode, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tc.wantBody) {
				t.Fatalf("body = %s, want code %s", w.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestCreateRunEnqueueFailureMapsToBadGateway(t *testing.T) {
	r, _, mq := newTestRouter(t, capacity.Limits{RunningCapacity: 1})
	mq.FailNextEnqueue()

	w := doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{"engine":"browser"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "ENQUEUE_FAILED") {
		t.Fatalf("body = %s, want ENQUEUE_FAILED", w.Body.String())
	}
}

func TestCreateRunValidation(t *testing.T) {
	r, _, _ := newTestRouter(t, capacity.Limits{RunningCapacity: 1})

	// Missing engine.
	w := doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	// Malformed job ID.
	w = doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{"engine":"browser","jobId":"???"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestActiveRunsEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t, capacity.Limits{RunningCapacity: 1, QueuedCapacity: 2}, api.WithNameResolver(nameStub{}))

	doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{"engine":"browser","testId":"t-1"}`)
	doJSON(t, r, http.MethodPost, "/v1/orgs/"+testOrg+"/runs", `{"engine":"browser","testId":"t-2"}`)

	w := doJSON(t, r, http.MethodGet, "/v1/orgs/"+testOrg+"/runs/active", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Running []struct {
			TestID   string `json:"testId"`
			TestName string `json:"testName"`
			Status   string `json:"status"`
		} `json:"running"`
		Queued          []json.RawMessage `json:"queued"`
		RunningCapacity int64             `json:"runningCapacity"`
		QueuedCapacity  int64             `json:"queuedCapacity"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Running) != 1 || len(resp.Queued) != 1 {
		t.Fatalf("running/queued = %d/%d, want 1/1", len(resp.Running), len(resp.Queued))
	}
	if resp.Running[0].TestName != "name of t-1" {
		t.Fatalf("testName = %q, want resolved display name", resp.Running[0].TestName)
	}
	if resp.RunningCapacity != 1 || resp.QueuedCapacity != 2 {
		t.Fatalf("capacities = %d/%d, want 1/2", resp.RunningCapacity, resp.QueuedCapacity)
	}
}

func TestCancelRunEndpoint(t *testing.T) {
	r, ctrl, _ := newTestRouter(t, capacity.Limits{RunningCapacity: 1})

	d, err := ctrl.Request(context.Background(), testOrg, admission.RunSpec{Engine: run.EngineBrowser})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	w := doJSON(t, r, http.MethodPost, "/v1/runs/"+d.Run.ID.String()+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status          string `json:"status"`
		AlreadyFinished bool   `json:"alreadyFinished"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != string(run.StatusCancelled) || resp.AlreadyFinished {
		t.Fatalf("resp = %+v, want a fresh cancel", resp)
	}

	// Second cancel is idempotent.
	w = doJSON(t, r, http.MethodPost, "/v1/runs/"+d.Run.ID.String()+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.AlreadyFinished {
		t.Fatal("second cancel must report alreadyFinished")
	}
}

func TestCancelRunNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t, capacity.Limits{RunningCapacity: 1})

	// A valid run ID that was never created.
	w := doJSON(t, r, http.MethodPost, "/v1/runs/run_01h2xcejqtf2nbrexx3vqjhp41/cancel", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/v1/runs/garbage/cancel", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a malformed id", w.Code)
	}
}
