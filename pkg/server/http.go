package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/adaptiv/gh-broker/pkg/config"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/adaptiv/gh-broker/pkg/registry"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Handler assembles the HTTP surface: the streamable MCP endpoint plus the
// health, catalog, session, and invocation endpoints, wrapped in the
// trusted-host, cache-control, request-context, and access-log middleware.
func (s *Server) Handler() http.Handler {
	mcpServer := s.MCP()
	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, &mcp.StreamableHTTPOptions{
		SessionTimeout: 2 * time.Hour,
		Logger:         logger.NewSlogLoggerWithHandler(serverLog),
	})

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ui.json", s.handleUIDirectory)
	mux.HandleFunc("GET /tools", s.handleToolCatalog)
	mux.HandleFunc("GET /tools/{name}", s.handleToolDescribe)
	mux.HandleFunc("GET /resources", s.handleResources)
	mux.HandleFunc("GET /session/ping", s.handleSessionPing)
	mux.HandleFunc("GET /session/anchor", s.handleSessionAnchor)
	mux.HandleFunc("GET /session/assert", s.handleSessionAssert)
	mux.HandleFunc("POST /tool_invocations", s.handleInvocationCreate)
	mux.HandleFunc("GET /tool_invocations/{id}", s.handleInvocationGet)
	mux.HandleFunc("POST /tool_invocations/{id}/cancel", s.handleInvocationCancel)

	var handler http.Handler = mux
	handler = s.requestContextMiddleware(handler)
	handler = cacheControlMiddleware(handler)
	handler = loggingMiddleware(handler)
	handler = trustedHostMiddleware(trustedHosts(s.cfg.AllowedHosts), handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		serverLog.Printf("Failed to write response: %v", err)
	}
}

// handleHealthz reports process health. In one-shot mode every call after
// the first returns 204 unless verbose=1, so platform probes stay cheap.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	first := s.healthzServed.CompareAndSwap(false, true)
	if s.cfg.HealthzOneshot && !first && r.URL.Query().Get("verbose") != "1" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := "ok"
	tokenPresent := config.OptionalGitHubToken() != ""
	if !tokenPresent {
		status = "warning"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               status,
		"github_token_present": tokenPresent,
		"uptime_seconds":       int(time.Since(s.started).Seconds()),
		"controller":           s.cfg.ControllerRepo,
		"version":              s.version,
		"metrics": map[string]any{
			"github": s.pool.Metrics().Snapshot(),
			"tools":  s.reg.Metrics().Snapshot(),
		},
	})
}

// handleUIDirectory lists the endpoint surface for human operators.
func (s *Server) handleUIDirectory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "gh-broker",
		"version": s.version,
		"endpoints": map[string]string{
			"mcp":          "/mcp",
			"healthz":      "/healthz",
			"tools":        "/tools",
			"resources":    "/resources",
			"session_ping": "/session/ping",
			"anchor":       "/session/anchor",
			"invocations":  "/tool_invocations",
		},
	})
}

func (s *Server) handleToolCatalog(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tools := s.reg.ListTools(registry.ListToolsFilter{
		OnlyWrite:  query.Get("only_write") == "1",
		OnlyRead:   query.Get("only_read") == "1",
		NamePrefix: query.Get("prefix"),
	})
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleToolDescribe(w http.ResponseWriter, r *http.Request) {
	desc, err := s.reg.DescribeTool(r.PathValue("name"), true)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleResources exposes each public tool as an MCP resource with a
// relative URI, honoring X-Forwarded-Prefix for proxied deployments.
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	prefix := r.Header.Get("X-Forwarded-Prefix")
	base := "tools/"
	if prefix != "" {
		// The conventional form carries no trailing slash.
		base = strings.TrimSuffix(prefix, "/") + "/tools/"
	}
	tools := s.reg.ListTools(registry.ListToolsFilter{})
	resources := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		resources = append(resources, map[string]any{
			"uri":         base + t.Name,
			"name":        t.Name,
			"description": t.Description,
			"mimeType":    "application/json",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (s *Server) handleSessionPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSessionAnchor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"anchor": s.anchor})
}

// handleSessionAssert lets a client verify the process has not restarted
// since it captured the anchor. A mismatch is 409.
func (s *Server) handleSessionAssert(w http.ResponseWriter, r *http.Request) {
	claimed := r.URL.Query().Get("anchor")
	if claimed == s.anchor {
		writeJSON(w, http.StatusOK, map[string]any{"anchor": s.anchor, "match": true})
		return
	}
	writeJSON(w, http.StatusConflict, map[string]any{"anchor": s.anchor, "match": false})
}

type invocationRequest struct {
	Tool string `json:"tool"`
	Args any    `json:"args"`
}

func (s *Server) handleInvocationCreate(w http.ResponseWriter, r *http.Request) {
	var req invocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be JSON with tool and args"})
		return
	}
	if req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tool is required"})
		return
	}
	info := registry.RequestInfoFrom(r.Context())
	job := s.invocations.start(s.reg, req.Tool, req.Args, info, s.dispatchOptions())
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleInvocationGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.invocations.get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown invocation"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleInvocationCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.invocations.cancelJob(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown invocation"})
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
