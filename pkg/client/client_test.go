package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/patchgate/internal/audit"
	"github.com/loykin/patchgate/internal/auth"
	"github.com/loykin/patchgate/internal/controller"
	"github.com/loykin/patchgate/internal/executor"
	"github.com/loykin/patchgate/internal/patch"
	"github.com/loykin/patchgate/internal/server"
)

func newAgent(t *testing.T, mode string) *Client {
	t.Helper()
	return New(Config{BaseURL: startAgent(t, mode, nil) + "/agent/", Timeout: 5 * time.Second})
}

// startAgent serves a real controller under /agent and returns the server URL.
func startAgent(t *testing.T, mode string, mw *auth.Middleware) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	log, err := audit.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	store, err := patch.Open(dir, log)
	if err != nil {
		t.Fatal(err)
	}
	ctrl, err := controller.New(controller.Options{
		Store:    store,
		Audit:    log,
		Executor: executor.New(executor.Config{ApplyMode: mode}),
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(server.NewRouter(ctrl, "/agent", server.WithAuth(mw)).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func artifact(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "p.diff")
	if err := os.WriteFile(p, []byte("--- a/x\n+++ b/x\n@@ -1 +1 @@\n-old\n+new\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func request(id, path string) SubmitRequest {
	return SubmitRequest{
		PatchID:     id,
		Summary:     "replace line",
		Author:      "tester",
		CreatedAt:   "2026-10-01T00:00:00Z",
		ArtifactURI: patch.FileURI(path),
	}
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	if c.BaseURL() != DefaultBaseURL || c.client.Timeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %s %v", c.BaseURL(), c.client.Timeout)
	}
	if DefaultConfig().BaseURL != DefaultBaseURL {
		t.Fatalf("DefaultConfig mismatch")
	}
}

func TestHealthAndStatus(t *testing.T) {
	c := newAgent(t, executor.ModeNoop)
	ctx := context.Background()
	h, err := c.Health(ctx)
	if err != nil || h != "ok" {
		t.Fatalf("Health = %q, %v", h, err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Paused || st.LoopIntervalSeconds != 10 || st.PatchDir == "" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestLifecycle(t *testing.T) {
	c := newAgent(t, executor.ModeNoop)
	ctx := context.Background()
	path := artifact(t)

	_, err := c.Submit(ctx, request("p1", path))
	if !IsConflict(err) {
		t.Fatalf("submit while running should conflict, got %v", err)
	}
	if err := c.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	ack, err := c.Submit(ctx, request("p1", path))
	if err != nil || ack.PatchID != "p1" || ack.Status != "queued" {
		t.Fatalf("Submit = %+v, %v", ack, err)
	}
	list, err := c.List(ctx)
	if err != nil || len(list) != 1 || list[0].PatchID != "p1" {
		t.Fatalf("List = %+v, %v", list, err)
	}
	got, err := c.Get(ctx, "p1")
	if err != nil || got.Summary != "replace line" {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	res, err := c.Apply(ctx, "p1")
	if err != nil || res.Status != "applied" || !res.OK {
		t.Fatalf("Apply = %+v, %v", res, err)
	}
	applied, err := c.Applied(ctx)
	if err != nil || len(applied) != 1 || applied[0].PatchID != "p1" || applied[0].DiffStats == nil {
		t.Fatalf("Applied = %+v, %v", applied, err)
	}
	if applied[0].DiffStats.Additions != 1 || applied[0].DiffStats.Deletions != 1 {
		t.Fatalf("unexpected diff stats: %+v", applied[0].DiffStats)
	}
	if _, err := c.Get(ctx, "p1"); !IsNotFound(err) {
		t.Fatalf("applied patch should be gone, got %v", err)
	}

	recs, err := c.Audit(ctx)
	if err != nil || len(recs) != 3 {
		t.Fatalf("Audit = %+v, %v", recs, err)
	}
	if recs[1].Status != "artifact_copied" || recs[1].Files != 1 {
		t.Fatalf("unexpected artifact record: %+v", recs[1])
	}
	if err := c.Resume(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRollbackAfterFailure(t *testing.T) {
	c := newAgent(t, executor.ModeFail)
	ctx := context.Background()
	if err := c.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Submit(ctx, request("p1", artifact(t))); err != nil {
		t.Fatal(err)
	}
	res, err := c.Apply(ctx, "p1")
	if err != nil || res.Status != "failed" || res.OK {
		t.Fatalf("Apply = %+v, %v", res, err)
	}
	res, err = c.Rollback(ctx, "p1")
	if err != nil || res.Status != "rolled_back" {
		t.Fatalf("Rollback = %+v, %v", res, err)
	}
	if _, err := c.Rollback(ctx, "p1"); !IsNotFound(err) {
		t.Fatalf("second rollback should be not found, got %v", err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/plain/") {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"runtime must be paused"}`))
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL})
	err := c.Pause(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Message != "runtime must be paused" {
		t.Fatalf("unexpected error: %#v", err)
	}
	if !IsConflict(err) || IsNotFound(err) {
		t.Fatalf("helpers disagree with status")
	}

	c = New(Config{BaseURL: ts.URL + "/plain"})
	err = c.Resume(context.Background())
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "" {
		t.Fatalf("unexpected error: %#v", err)
	}
	if IsConflict(errors.New("x")) {
		t.Fatalf("plain errors are not conflicts")
	}
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestBearerToken(t *testing.T) {
	mw, err := auth.NewMiddleware(auth.Config{Enabled: true, Credentials: []auth.Credential{
		{Name: "staging", Token: "op-token"},
		{Name: "dash", Token: "ro-token", Role: auth.RoleViewer},
	}})
	if err != nil {
		t.Fatal(err)
	}
	base := startAgent(t, executor.ModeNoop, mw) + "/agent"
	ctx := context.Background()

	if _, err := New(Config{BaseURL: base}).Status(ctx); !IsUnauthorized(err) {
		t.Fatalf("status without token: %v", err)
	}
	viewer := New(Config{BaseURL: base, Token: "ro-token"})
	if _, err := viewer.Status(ctx); err != nil {
		t.Fatalf("viewer status: %v", err)
	}
	err = viewer.Pause(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "permission_denied" {
		t.Fatalf("viewer pause: %#v", err)
	}
	if err := New(Config{BaseURL: base, Token: "op-token"}).Pause(ctx); err != nil {
		t.Fatalf("operator pause: %v", err)
	}
}
