package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
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
	ptls "github.com/loykin/patchgate/internal/tls"
)

func setupRouter(tb testing.TB, base string) (http.Handler, *controller.Controller) {
	tb.Helper()
	return setupRouterMode(tb, base, executor.ModeNoop)
}

func setupRouterMode(tb testing.TB, base, mode string) (http.Handler, *controller.Controller) {
	tb.Helper()
	gin.SetMode(gin.TestMode)
	dir := tb.TempDir()
	log, err := audit.Open(dir)
	if err != nil {
		tb.Fatalf("audit.Open: %v", err)
	}
	store, err := patch.Open(dir, log)
	if err != nil {
		tb.Fatalf("patch.Open: %v", err)
	}
	ctrl, err := controller.New(controller.Options{
		Store:    store,
		Audit:    log,
		Executor: executor.New(executor.Config{ApplyMode: mode}),
	})
	if err != nil {
		tb.Fatalf("controller.New: %v", err)
	}
	return NewRouter(ctrl, base).Handler(), ctrl
}

func doReq(tb testing.TB, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	tb.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submitBody(id, uri string) map[string]string {
	return map[string]string{
		"patch_id":     id,
		"summary":      "append note",
		"author":       "staging-worker",
		"created_at":   "2026-10-01T00:00:00Z",
		"artifact_uri": uri,
	}
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "note.diff")
	diff := "--- a/NOTES.md\n+++ b/NOTES.md\n@@ -1 +1,2 @@\n # Notes\n+- staging worker note\n"
	if err := os.WriteFile(p, []byte(diff), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := setupRouter(t, "/api/")
	for _, p := range []string{"/api/healthz", "/api/health"} {
		rec := doReq(t, h, http.MethodGet, p, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s expected 200, got %d", p, rec.Code)
		}
		if got := decode[map[string]string](t, rec); got["status"] != "ok" {
			t.Fatalf("%s unexpected body: %v", p, got)
		}
	}
	if rec := doReq(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unprefixed path should be 404, got %d", rec.Code)
	}
}

func TestStatusSnapshot(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status expected 200, got %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	for _, k := range []string{"running", "paused", "loop_count", "loop_interval_seconds", "last_plan", "pending_patches", "applied_patches", "patch_dir"} {
		if _, ok := body[k]; !ok {
			t.Fatalf("status missing %q: %v", k, body)
		}
	}
	if body["loop_interval_seconds"].(float64) != controller.DefaultLoopInterval.Seconds() {
		t.Fatalf("unexpected interval: %v", body["loop_interval_seconds"])
	}
}

func TestPauseResume(t *testing.T) {
	h, ctrl := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/control/pause", nil)
	if rec.Code != http.StatusOK || !decode[pauseResp](t, rec).Paused || !ctrl.Paused() {
		t.Fatalf("pause failed: %d %s", rec.Code, rec.Body.String())
	}
	// idempotent
	rec = doReq(t, h, http.MethodPost, "/control/pause", nil)
	if rec.Code != http.StatusOK || !ctrl.Paused() {
		t.Fatalf("second pause failed: %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodPost, "/control/resume", nil)
	if rec.Code != http.StatusOK || decode[pauseResp](t, rec).Paused || ctrl.Paused() {
		t.Fatalf("resume failed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitRequiresPause(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/patches", submitBody("p1", "file:///tmp/x.diff"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if decode[errorResp](t, rec).Error == "" {
		t.Fatalf("error body missing")
	}
}

func TestSubmitValidation(t *testing.T) {
	h, ctrl := setupRouter(t, "")
	ctrl.Pause()

	missing := submitBody("p1", "file:///tmp/x.diff")
	delete(missing, "author")
	if rec := doReq(t, h, http.MethodPost, "/patches", missing); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing author expected 400, got %d", rec.Code)
	}
	// applied and audit would be shadowed by GET /patches/applied and /patches/audit
	for _, id := range []string{"../bad", "a/b", "..", "with space", "applied", "audit"} {
		if rec := doReq(t, h, http.MethodPost, "/patches", submitBody(id, "file:///tmp/x.diff")); rec.Code != http.StatusBadRequest {
			t.Fatalf("id %q expected 400, got %d", id, rec.Code)
		}
	}
	if rec := doReq(t, h, http.MethodPost, "/patches", submitBody("p1", "file:///tmp/../etc/passwd")); rec.Code != http.StatusBadRequest {
		t.Fatalf("traversal uri expected 400, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/patches", bytes.NewBufferString("{broken"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid JSON expected 400, got %d", rec.Code)
	}
	if len(ctrl.ListPatches()) != 0 {
		t.Fatalf("rejected submissions must not be queued")
	}
}

func TestSubmitListGetDuplicate(t *testing.T) {
	h, ctrl := setupRouter(t, "")
	ctrl.Pause()

	body := submitBody("p1", "https://example.invalid/p1.diff")
	body["diff_preview"] = "+line"
	rec := doReq(t, h, http.MethodPost, "/patches", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[submitResp](t, rec); got.PatchID != "p1" || got.Status != "queued" {
		t.Fatalf("unexpected submit response: %+v", got)
	}
	if rec := doReq(t, h, http.MethodPost, "/patches", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate expected 409, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodGet, "/patches", nil)
	list := decode[[]patch.Patch](t, rec)
	if len(list) != 1 || list[0].ID != "p1" || list[0].Notes != "+line" {
		t.Fatalf("unexpected list: %+v", list)
	}
	rec = doReq(t, h, http.MethodGet, "/patches/p1", nil)
	if rec.Code != http.StatusOK || decode[patch.Patch](t, rec).Summary != "append note" {
		t.Fatalf("get failed: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doReq(t, h, http.MethodGet, "/patches/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id expected 404, got %d", rec.Code)
	}
}

func TestApplyFlow(t *testing.T) {
	h, ctrl := setupRouter(t, "/agent")
	artifact := writeArtifact(t)
	ctrl.Pause()
	if rec := doReq(t, h, http.MethodPost, "/agent/patches", submitBody("p1", patch.FileURI(artifact))); rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}

	rec := doReq(t, h, http.MethodPost, "/agent/patches/p1/apply", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[controller.Result](t, rec)
	if res.Status != controller.StatusApplied || !res.OK || res.Command != "noop" {
		t.Fatalf("unexpected apply result: %+v", res)
	}

	rec = doReq(t, h, http.MethodGet, "/agent/patches/applied", nil)
	applied := decode[[]controller.AppliedPatch](t, rec)
	if len(applied) != 1 || applied[0].ID != "p1" || applied[0].ArtifactPath == "" {
		t.Fatalf("unexpected applied list: %+v", applied)
	}
	if rec := doReq(t, h, http.MethodGet, "/agent/patches/p1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("applied patch should leave the pending set, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodGet, "/agent/patches/audit", nil)
	recs := decode[[]audit.Record](t, rec)
	want := []audit.Status{audit.StatusQueued, audit.StatusArtifactCopied, audit.StatusApplySuccess}
	if len(recs) != len(want) {
		t.Fatalf("unexpected audit: %+v", recs)
	}
	for i, r := range recs {
		if r.Status != want[i] || r.PatchID != "p1" {
			t.Fatalf("audit[%d] = %+v", i, r)
		}
	}
}

func TestApplyFailureThenRollback(t *testing.T) {
	h, ctrl := setupRouterMode(t, "", executor.ModeFail)
	artifact := writeArtifact(t)
	ctrl.Pause()
	doReq(t, h, http.MethodPost, "/patches", submitBody("p1", patch.FileURI(artifact)))

	rec := doReq(t, h, http.MethodPost, "/patches/p1/apply", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed apply still answers 200, got %d", rec.Code)
	}
	if res := decode[controller.Result](t, rec); res.Status != controller.StatusFailed || res.OK {
		t.Fatalf("unexpected result: %+v", res)
	}
	rec = doReq(t, h, http.MethodPost, "/patches/p1/rollback", nil)
	if res := decode[controller.Result](t, rec); rec.Code != http.StatusOK || res.Status != controller.StatusRolledBack {
		t.Fatalf("rollback: %d %+v", rec.Code, res)
	}
	if rec := doReq(t, h, http.MethodPost, "/patches/p1/rollback", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second rollback expected 404, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/patches", submitBody("p1", patch.FileURI(artifact))); rec.Code != http.StatusConflict {
		t.Fatalf("resubmitting a rolled back id expected 409, got %d", rec.Code)
	}
}

func TestApplyErrors(t *testing.T) {
	h, ctrl := setupRouter(t, "")
	if rec := doReq(t, h, http.MethodPost, "/patches/p1/apply", nil); rec.Code != http.StatusConflict {
		t.Fatalf("apply while running expected 409, got %d", rec.Code)
	}
	ctrl.Pause()
	if rec := doReq(t, h, http.MethodPost, "/patches/none/apply", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id expected 404, got %d", rec.Code)
	}
	missing := filepath.Join(t.TempDir(), "missing.diff")
	doReq(t, h, http.MethodPost, "/patches", submitBody("gone", patch.FileURI(missing)))
	if rec := doReq(t, h, http.MethodPost, "/patches/gone/apply", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing artifact expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
	doReq(t, h, http.MethodPost, "/patches", submitBody("remote", "https://example.invalid/x.diff"))
	if rec := doReq(t, h, http.MethodPost, "/patches/remote/apply", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("unsupported scheme expected 500, got %d", rec.Code)
	}
}

func TestNewServerServeShutdown(t *testing.T) {
	_, ctrl := setupRouter(t, "")
	srv := NewServer("127.0.0.1:0", "/x", ctrl, nil)
	if srv.ReadHeaderTimeout == 0 || srv.TLSConfig != nil {
		t.Fatalf("unexpected server settings: %+v", srv)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}

func TestServeListenError(t *testing.T) {
	_, ctrl := setupRouter(t, "")
	srv := NewServer("127.0.0.1:-1", "", ctrl, nil)
	if err := Serve(context.Background(), srv); err == nil {
		t.Fatalf("expected listen error")
	}
}

func TestTLSServer(t *testing.T) {
	_, ctrl := setupRouter(t, "")
	tlsCfg, err := ptls.SetupTLS(ptls.Config{Enabled: true, Dir: filepath.Join(t.TempDir(), "tls"), AutoGenerate: true})
	if err != nil {
		t.Fatalf("SetupTLS: %v", err)
	}
	ts := httptest.NewUnstartedServer(NewRouter(ctrl, "").Handler())
	ts.TLS = tlsCfg
	ts.StartTLS()
	defer ts.Close()

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}} // #nosec G402 self-signed test cert
	resp, err := client.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET over TLS: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK || resp.TLS == nil {
		t.Fatalf("unexpected TLS response: %d %v", resp.StatusCode, resp.TLS)
	}
}

func TestRouterWithAuth(t *testing.T) {
	_, ctrl := setupRouter(t, "/api")
	m, err := auth.NewMiddleware(auth.Config{Enabled: true, Credentials: []auth.Credential{
		{Name: "ops", Token: "op"},
		{Name: "dash", Token: "ro", Role: auth.RoleViewer},
	}})
	if err != nil {
		t.Fatal(err)
	}
	h := NewRouter(ctrl, "/api", WithAuth(m)).Handler()
	call := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := call(http.MethodGet, "/api/healthz", ""); got != http.StatusOK {
		t.Fatalf("health must stay open, got %d", got)
	}
	if got := call(http.MethodGet, "/api/status", ""); got != http.StatusUnauthorized {
		t.Fatalf("status without token: %d", got)
	}
	if got := call(http.MethodGet, "/api/patches", "ro"); got != http.StatusOK {
		t.Fatalf("viewer read: %d", got)
	}
	if got := call(http.MethodPost, "/api/control/pause", "ro"); got != http.StatusForbidden {
		t.Fatalf("viewer pause: %d", got)
	}
	if ctrl.Paused() {
		t.Fatal("forbidden pause must not take effect")
	}
	if got := call(http.MethodPost, "/api/control/pause", "op"); got != http.StatusOK || !ctrl.Paused() {
		t.Fatalf("operator pause: %d", got)
	}
}

func TestDashboardUnderBasePath(t *testing.T) {
	h, _ := setupRouter(t, "/agent")

	rec := doReq(t, h, http.MethodGet, "/agent/ui/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /agent/ui/: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type %q", ct)
	}
	if body := rec.Body.String(); !strings.Contains(body, "<title>patchgate</title>") || !strings.Contains(body, `src="app.js"`) {
		t.Fatalf("unexpected page: %s", body)
	}

	rec = doReq(t, h, http.MethodGet, "/agent/ui/app.js", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET app.js: %d", rec.Code)
	}
	for _, want := range []string{"/patches/audit", "/control/", "/rollback", "apiBase"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("app.js missing %q", want)
		}
	}

	if rec := doReq(t, h, http.MethodGet, "/agent/ui", nil); rec.Code != http.StatusMovedPermanently {
		t.Fatalf("GET /agent/ui should redirect to the slash form, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/agent/ui/missing.css", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing asset: %d", rec.Code)
	}
}

func TestDashboardNeedsViewer(t *testing.T) {
	_, ctrl := setupRouter(t, "")
	m, err := auth.NewMiddleware(auth.Config{Enabled: true, Credentials: []auth.Credential{
		{Name: "dash", Token: "ro", Role: auth.RoleViewer},
	}})
	if err != nil {
		t.Fatal(err)
	}
	h := NewRouter(ctrl, "", WithAuth(m)).Handler()

	rec := doReq(t, h, http.MethodGet, "/ui/", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("dashboard without credentials: %d", rec.Code)
	}
	if got := strings.Join(rec.Header().Values("WWW-Authenticate"), ", "); !strings.Contains(got, "Basic") {
		t.Fatalf("browser challenge missing: %q", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/ui/", nil)
	req.SetBasicAuth("dash", "ro")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard with viewer basic auth: %d", rec.Code)
	}
}
