// Package api wires up the Gin HTTP router exposing the Control Surface to
// local tooling: the node's own CLI, a browser, or a curl script. This is
// the "external UI" boundary named out of scope for a GUI front-end; the
// façade itself is ambient plumbing.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meshblob/internal/control"
)

// Handler holds the Control Surface injected from main.
type Handler struct {
	surface *control.Surface
}

// NewHandler creates a Handler.
func NewHandler(s *control.Surface) *Handler {
	return &Handler{surface: s}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/connect", h.Connect)
	r.GET("/nodes", h.ListNodes)
	r.GET("/files", h.ListFiles)
	r.POST("/files", h.Upload)
	r.GET("/files/:name", h.Download)
	r.DELETE("/files/:name", h.Delete)
	r.GET("/blocks", h.ListBlocks)
	r.GET("/status", h.Status)
	r.POST("/capacity", h.SetCapacity)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	st := h.surface.Status()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "label": st.Label, "peer_count": st.PeerCount})
}

// Connect handles POST /connect.
// Body: {"peer_address": "<host:port>"}
func (h *Handler) Connect(c *gin.Context) {
	var body struct {
		PeerAddress string `json:"peer_address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	label, err := h.surface.Connect(body.PeerAddress)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"label": label})
}

// ListNodes handles GET /nodes.
func (h *Handler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.surface.ListNodes()})
}

// ListFiles handles GET /files.
func (h *Handler) ListFiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"files": h.surface.ListFiles()})
}

// Upload handles POST /files.
// Body: {"name": "<string>", "local_path": "<string>"}
// local_path must already be reachable by this node's process — the HTTP
// façade does not accept raw multipart bodies, matching the Control
// Surface's local-path-based upload() operation.
func (h *Handler) Upload(c *gin.Context) {
	var body struct {
		Name      string `json:"name" binding:"required"`
		LocalPath string `json:"local_path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.surface.Upload(c.Request.Context(), body.Name, body.LocalPath); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploaded": body.Name})
}

// Download handles GET /files/:name.
// Query: local_path=<string>
func (h *Handler) Download(c *gin.Context) {
	name := c.Param("name")
	localPath := c.Query("local_path")
	if localPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "local_path query parameter is required"})
		return
	}
	if err := h.surface.Download(c.Request.Context(), name, localPath); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"downloaded": name, "local_path": localPath})
}

// Delete handles DELETE /files/:name.
func (h *Handler) Delete(c *gin.Context) {
	name := c.Param("name")
	if err := h.surface.Delete(context.Background(), name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

// ListBlocks handles GET /blocks.
func (h *Handler) ListBlocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocks": h.surface.ListBlocks()})
}

// Status handles GET /status.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.surface.Status())
}

// SetCapacity handles POST /capacity.
// Body: {"bytes": <int64>}
func (h *Handler) SetCapacity(c *gin.Context) {
	var body struct {
		Bytes int64 `json:"bytes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.surface.SetCapacity(body.Bytes); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capacity_bytes": body.Bytes})
}

// writeError maps a control.Error's Kind to an HTTP status, falling back to
// 500 for anything un-typed.
func writeError(c *gin.Context, err error) {
	kind, status := classifyError(err)
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func classifyError(err error) (string, int) {
	cerr, ok := err.(*control.Error)
	if !ok {
		return "error", http.StatusInternalServerError
	}
	switch cerr.Kind {
	case control.KindMissing, control.KindUnavailable:
		return string(cerr.Kind), http.StatusNotFound
	case control.KindInGroup, control.KindBelowUsed, control.KindOutOfRange, control.KindDuplicateName:
		return string(cerr.Kind), http.StatusConflict
	case control.KindInsufficientCapacity:
		return string(cerr.Kind), http.StatusInsufficientStorage
	case control.KindPeerUnreachable:
		return string(cerr.Kind), http.StatusBadGateway
	case control.KindCancelled:
		return string(cerr.Kind), http.StatusRequestTimeout
	default:
		return string(cerr.Kind), http.StatusInternalServerError
	}
}
