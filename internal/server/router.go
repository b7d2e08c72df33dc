package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/beaconvisor/internal/beacon"
	"github.com/loykin/beaconvisor/internal/metrics"
	"github.com/loykin/beaconvisor/internal/orchestrator"
	"github.com/loykin/beaconvisor/internal/store"
)

// NodeService is the orchestrator surface the HTTP API drives.
type NodeService interface {
	Nodes() []store.TrackedNode
	Node(url string) (store.TrackedNode, bool)
	TrackNode(ctx context.Context, url string, docker *store.DockerInfo) (store.TrackedNode, error)
	RemoveNode(ctx context.Context, url string) error
	StartLocalNode(ctx context.Context, req beacon.LocalNodeOptions, onComplete func(store.TrackedNode)) (store.TrackedNode, error)
	CancelPull(ctx context.Context) (int, error)
	Status() orchestrator.Status
	Watching() []string
}

// Router provides embeddable HTTP handlers for managing beacon nodes.
// Endpoints:
//   GET    {basePath}/nodes
//   GET    {basePath}/nodes/:url     url path-escaped
//   POST   {basePath}/nodes          body: {"url": ..., "docker": {...}}
//   DELETE {basePath}/nodes          query: url=...
//   POST   {basePath}/nodes/local    body: LocalNodeOptions JSON
//   POST   {basePath}/pull/cancel
//   GET    {basePath}/status
//   GET    {basePath}/metrics        when metrics are enabled
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      NodeService
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(svc NodeService, basePath string, withMetrics bool) *Router {
	return &Router{svc: svc, basePath: normalizeBasePath(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	// node URLs travel path-escaped in /nodes/:url
	g.UseRawPath = true
	g.UnescapePathValues = true
	group := g.Group(r.basePath)
	group.GET("/nodes", r.handleList)
	group.GET("/nodes/:url", r.handleGet)
	group.POST("/nodes", r.handleTrack)
	group.DELETE("/nodes", r.handleRemove)
	group.POST("/nodes/local", r.handleStartLocal)
	group.POST("/pull/cancel", r.handleCancelPull)
	group.GET("/status", r.handleStatus)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router, over TLS when
// tlsCfg is non-nil. Serve errors other than http.ErrServerClosed are delivered on the
// returned channel.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, <-chan error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// local starts wait for image pulls
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsCfg,
	}
	errc := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return server, errc
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type trackReq struct {
	URL    string            `json:"url"`
	Docker *store.DockerInfo `json:"docker,omitempty"`
}

type cancelResp struct {
	Cancelled int `json:"cancelled"`
}

type statusResp struct {
	orchestrator.Status
	Watching []string `json:"watching"`
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, beacon.ErrImagePullFailed):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrPersistence):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Nodes())
}

func (r *Router) handleGet(c *gin.Context) {
	url := c.Param("url")
	n, ok := r.svc.Node(url)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "node not tracked: " + url})
		return
	}
	writeJSON(c, http.StatusOK, n)
}

func (r *Router) handleTrack(c *gin.Context) {
	var req trackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !validNodeURL(req.URL) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "url must be an http(s) URL"})
		return
	}
	n, err := r.svc.TrackNode(c.Request.Context(), req.URL, req.Docker)
	if err != nil {
		writeJSON(c, httpStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, n)
}

func (r *Router) handleRemove(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "url query param required"})
		return
	}
	if err := r.svc.RemoveNode(c.Request.Context(), url); err != nil {
		writeJSON(c, httpStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStartLocal(c *gin.Context) {
	var req beacon.LocalNodeOptions
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !validNetworkName(req.Network) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid network: must start with a letter or digit and use only [A-Za-z0-9._-]"})
		return
	}
	if err := checkChainDataDir(req.ChainDataDir); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	n, err := r.svc.StartLocalNode(c.Request.Context(), req, nil)
	if err != nil {
		writeJSON(c, httpStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, n)
}

func (r *Router) handleCancelPull(c *gin.Context) {
	n, err := r.svc.CancelPull(c.Request.Context())
	if err != nil {
		writeJSON(c, httpStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, cancelResp{Cancelled: n})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, statusResp{Status: r.svc.Status(), Watching: r.svc.Watching()})
}
