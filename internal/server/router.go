package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/loykin/patchgate/internal/audit"
	"github.com/loykin/patchgate/internal/auth"
	"github.com/loykin/patchgate/internal/controller"
	"github.com/loykin/patchgate/internal/patch"
)

// Runtime is the part of the controller the router drives.
type Runtime interface {
	Pause()
	Resume()
	Paused() bool
	Snapshot() controller.Snapshot
	Submit(p patch.Patch) (string, error)
	Apply(ctx context.Context, id string) (controller.Result, error)
	Rollback(ctx context.Context, id string) (controller.Result, error)
	ListPatches() []patch.Patch
	GetPatch(id string) (patch.Patch, error)
	ListApplied() []controller.AppliedPatch
	AuditLog() ([]audit.Record, error)
}

// Router provides embeddable HTTP handlers for the patch runtime.
// Endpoints (relative to basePath):
//
//	GET  /healthz, /health
//	GET  /status
//	POST /control/pause, /control/resume
//	POST /patches                body: submitRequest JSON
//	GET  /patches, /patches/applied, /patches/audit, /patches/:id
//	POST /patches/:id/apply, /patches/:id/rollback
//	GET  /ui/                    operator dashboard
//
// basePath may be empty or start with '/'; no trailing slash.
// With auth, health stays open, reads (dashboard included) need a viewer
// and every POST needs an operator.
type Router struct {
	rt       Runtime
	basePath string
	auth     *auth.Middleware
}

// Option customises a Router.
type Option func(*Router)

// WithAuth guards the API with m. A nil m leaves it open.
func WithAuth(m *auth.Middleware) Option {
	return func(r *Router) { r.auth = m }
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/agent" results in /agent/status, /agent/patches, ...
func NewRouter(rt Runtime, basePath string, opts ...Option) *Router {
	registerValidators()
	r := &Router{rt: rt, basePath: sanitizeBase(basePath)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/health", r.handleHealth)

	read := group.Group("")
	write := group.Group("")
	if r.auth != nil {
		read.Use(r.auth.GinAuth(), r.auth.GinRequireRole(auth.RoleViewer))
		write.Use(r.auth.GinAuth(), r.auth.GinRequireRole(auth.RoleOperator))
	}
	read.GET("/status", r.handleStatus)
	read.GET("/patches", r.handleList)
	read.GET("/patches/applied", r.handleApplied)
	read.GET("/patches/audit", r.handleAudit)
	read.GET("/patches/:id", r.handleGet)
	read.StaticFS("/ui", uiFS())
	write.POST("/control/pause", r.handlePause)
	write.POST("/control/resume", r.handleResume)
	write.POST("/patches", r.handleSubmit)
	write.POST("/patches/:id/apply", r.handleApply)
	write.POST("/patches/:id/rollback", r.handleRollback)
	return g
}

// NewServer builds a standalone HTTP server on addr using this router.
// When tlsCfg is non-nil the server is meant to be started with
// ListenAndServeTLS("", "").
func NewServer(addr, basePath string, rt Runtime, tlsCfg *tls.Config, opts ...Option) *http.Server {
	r := NewRouter(rt, basePath, opts...)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// apply and rollback run hooks synchronously
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
// It returns nil on a clean shutdown.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var registerOnce sync.Once

// registerValidators installs the patchid rule on gin's validator engine.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("patchid", func(fl validator.FieldLevel) bool {
			return patch.ValidID(fl.Field().String())
		})
	})
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type pauseResp struct {
	OK     bool `json:"ok"`
	Paused bool `json:"paused"`
}

type submitRequest struct {
	PatchID       string `json:"patch_id" binding:"required,patchid"`
	Summary       string `json:"summary" binding:"required"`
	Author        string `json:"author" binding:"required"`
	CreatedAt     string `json:"created_at" binding:"required"`
	ArtifactURI   string `json:"artifact_uri" binding:"required"`
	TestReportURI string `json:"test_report_uri"`
	Notes         string `json:"notes"`
	DiffPreview   string `json:"diff_preview"`
}

type submitResp struct {
	PatchID string `json:"patch_id"`
	Status  string `json:"status"`
}

// statusFor maps the patch error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, patch.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, patch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, patch.ErrInvalidID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.rt.Snapshot())
}

func (r *Router) handlePause(c *gin.Context) {
	r.rt.Pause()
	writeJSON(c, http.StatusOK, pauseResp{OK: true, Paused: r.rt.Paused()})
}

func (r *Router) handleResume(c *gin.Context) {
	r.rt.Resume()
	writeJSON(c, http.StatusOK, pauseResp{OK: true, Paused: r.rt.Paused()})
}

func (r *Router) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid request: " + err.Error()})
		return
	}
	if !checkArtifactURI(req.ArtifactURI) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "artifact_uri must reference a clean absolute path"})
		return
	}
	notes := req.Notes
	if notes == "" {
		notes = req.DiffPreview
	}
	id, err := r.rt.Submit(patch.Patch{
		ID:            req.PatchID,
		Summary:       req.Summary,
		Author:        req.Author,
		CreatedAt:     req.CreatedAt,
		ArtifactURI:   req.ArtifactURI,
		TestReportURI: req.TestReportURI,
		Notes:         notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, submitResp{PatchID: id, Status: string(audit.StatusQueued)})
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.rt.ListPatches())
}

func (r *Router) handleApplied(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.rt.ListApplied())
}

func (r *Router) handleAudit(c *gin.Context) {
	recs, err := r.rt.AuditLog()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleGet(c *gin.Context) {
	p, err := r.rt.GetPatch(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) handleApply(c *gin.Context) {
	res, err := r.rt.Apply(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleRollback(c *gin.Context) {
	res, err := r.rt.Rollback(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
