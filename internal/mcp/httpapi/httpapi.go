// Package httpapi is the HTTP binding of the tool server. It exposes every
// tool of a registry as a REST route next to the MCP endpoint, the health
// probes and the Prometheus metrics.
//
// Routes:
//
//	GET  /api/ai_chat_util/tools      tool catalog
//	POST /api/ai_chat_util/:tool      invoke a tool with a JSON body
//	ANY  /mcp                         MCP streamable HTTP (http transport)
//	ANY  /sse                         MCP over server-sent events (sse transport)
//	GET  /healthz, /readyz, /metrics
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/knd3dayo/ai-chat-util/internal/health"
	"github.com/knd3dayo/ai-chat-util/internal/mcp"
	"github.com/knd3dayo/ai-chat-util/internal/mcp/mcpserver"
	"github.com/knd3dayo/ai-chat-util/internal/mcp/tools"
	"github.com/knd3dayo/ai-chat-util/internal/observe"
	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
)

// APIPrefix is the path prefix of the REST tool routes.
const APIPrefix = "/api/ai_chat_util"

// DefaultMaxBodyBytes bounds a tool request body when Config.MaxBodyBytes
// is zero.
const DefaultMaxBodyBytes = 32 << 20

// Config holds the dependencies of the HTTP binding. Registry and Server are
// required; the rest are optional.
type Config struct {
	// Transport selects which MCP endpoint is mounted: /mcp for
	// [mcp.TransportHTTP], /sse for [mcp.TransportSSE].
	Transport mcp.Transport

	Registry *tools.Registry
	Server   *mcpserver.MCPServer

	// CORSOrigins enables CORS for the listed origins. "*" allows any.
	CORSOrigins []string

	Health  *health.Handler
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// MaxBodyBytes rejects larger tool request bodies with 413. Zero means
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// Server is the HTTP tool server.
type Server struct {
	engine  *gin.Engine
	handler http.Handler
	reg     *tools.Registry
	maxBody int64
}

// New builds the router. It does not start listening.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		cc := cors.Config{
			AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", observe.RequestIDHeader, "Mcp-Session-Id", "Mcp-Protocol-Version"},
			ExposeHeaders: []string{"Content-Length", observe.RequestIDHeader, "Mcp-Session-Id"},
			MaxAge:        12 * time.Hour,
		}
		if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
			cc.AllowAllOrigins = true
		} else {
			cc.AllowOrigins = cfg.CORSOrigins
		}
		r.Use(cors.New(cc))
	}

	s := &Server{engine: r, reg: cfg.Registry, maxBody: cfg.MaxBodyBytes}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}

	api := r.Group(APIPrefix)
	{
		api.GET("/tools", s.listTools)
		api.POST("/:tool", s.callTool)
	}

	switch cfg.Transport {
	case mcp.TransportSSE:
		r.Any("/sse", gin.WrapH(cfg.Server.SSEHandler()))
	default:
		r.Any("/mcp", gin.WrapH(cfg.Server.StreamableHandler()))
	}

	if cfg.Health != nil {
		cfg.Health.RegisterGin(r)
	}
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	s.handler = observe.Middleware(m)(r)
	return s
}

// Handler returns the root handler including tracing and request logging.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http tool server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

func (s *Server) listTools(c *gin.Context) {
	list := s.reg.List()
	out := make([]toolInfo, len(list))
	for i, t := range list {
		out[i] = toolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

func (s *Server) callTool(c *gin.Context) {
	name := c.Param("tool")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, errorBody(apperr.New(apperr.InvalidContent, "httpapi",
			"request body exceeds %d bytes", tooLarge.Limit)))
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(apperr.Wrap(apperr.InvalidContent, "httpapi: read body", err)))
		return
	}
	if len(bytes.TrimSpace(body)) > 0 && !json.Valid(body) {
		c.JSON(http.StatusBadRequest, errorBody(apperr.New(apperr.InvalidContent, "httpapi", "request body is not valid JSON")))
		return
	}

	out, err := s.reg.Dispatch(c.Request.Context(), name, body)
	if err != nil {
		c.JSON(StatusOf(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": resultValue(out)})
}

// resultValue embeds JSON object and array results as is and everything
// else as a string.
func resultValue(out string) any {
	trimmed := bytes.TrimSpace([]byte(out))
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return out
}

func errorBody(err error) gin.H {
	return gin.H{"error": gin.H{
		"kind":    apperr.KindOf(err),
		"message": apperr.Message(err),
	}}
}

// StatusOf maps an error kind to an HTTP status code.
func StatusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.InvalidContent, apperr.UnsupportedFormat:
		return http.StatusBadRequest
	case apperr.UnknownTool:
		return http.StatusNotFound
	case apperr.ConversionFailed:
		return http.StatusUnprocessableEntity
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.ProviderUnavailable:
		return http.StatusServiceUnavailable
	case apperr.Canceled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
