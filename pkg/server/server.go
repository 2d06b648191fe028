// Package server is the transport adapter: it exposes the tool registry over
// MCP (stdio and streamable HTTP), establishes per-request context, and
// serves the health, catalog, and session endpoints around the protocol.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adaptiv/gh-broker/pkg/config"
	"github.com/adaptiv/gh-broker/pkg/console"
	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/ghclient"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/adaptiv/gh-broker/pkg/registry"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var serverLog = logger.New("server:server")

// Server wires the registry, config, and GitHub pool behind the transports.
type Server struct {
	cfg  *config.Config
	reg  *registry.Registry
	pool *ghclient.Pool

	// anchor is process-stable; clients compare it across calls to detect a
	// restart (and with it, the loss of the in-memory write approval).
	anchor  string
	started time.Time
	version string

	healthzServed atomic.Bool
	invocations   *invocationTracker
}

// New builds a Server around an already-frozen registry.
func New(cfg *config.Config, reg *registry.Registry, pool *ghclient.Pool) *Server {
	return &Server{
		cfg:         cfg,
		reg:         reg,
		pool:        pool,
		anchor:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		started:     time.Now(),
		version:     "dev",
		invocations: newInvocationTracker(),
	}
}

// SetVersionInfo records the build version surfaced in healthz and the MCP
// implementation handshake.
func (s *Server) SetVersionInfo(version string) {
	if version != "" {
		s.version = version
	}
}

// Anchor returns the process-stable restart-detection token.
func (s *Server) Anchor() string { return s.anchor }

func (s *Server) dispatchOptions() registry.DispatchOptions {
	return registry.DispatchOptions{
		DebugArgs:     s.cfg.DebugArgs,
		TruncateChars: s.cfg.DebugTruncateChars,
	}
}

// MCP builds the protocol server with every public tool mounted. Schemas come
// straight from the registry, so the catalog a client sees is the one
// dispatch validates against.
func (s *Server) MCP() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "gh-broker",
		Version: s.version,
	}, &mcp.ServerOptions{
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{
				ListChanged: false, // the catalog is frozen at startup
			},
		},
		Logger: logger.NewSlogLoggerWithHandler(serverLog),
	})

	mounted := 0
	for _, tool := range s.reg.List() {
		if tool.Visibility == constants.VisibilityInternal {
			continue
		}
		srv.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			Annotations: &mcp.ToolAnnotations{
				ReadOnlyHint: tool.SideEffect == constants.ReadOnly,
			},
		}, s.toolHandler(tool.Name))
		mounted++
	}
	serverLog.Printf("MCP server ready: %d tools mounted (version=%s)", mounted, s.version)
	return srv
}

// toolHandler adapts one registry tool to the protocol. Dispatch never
// returns a Go error; failures come back as the envelope, which is rendered
// into the result with IsError set so clients see the structured detail.
func (s *Server) toolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		select {
		case <-ctx.Done():
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.CodeInternalError,
				Message: "request cancelled",
				Data:    mcpErrorData(ctx.Err().Error()),
			}
		default:
		}

		var args any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, &jsonrpc.Error{
					Code:    jsonrpc.CodeInvalidParams,
					Message: "arguments are not valid JSON",
					Data:    mcpErrorData(map[string]any{"error": err.Error()}),
				}
			}
		}

		result := s.reg.Dispatch(ctx, name, args, s.dispatchOptions())

		payload, err := json.Marshal(result)
		if err != nil {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.CodeInternalError,
				Message: fmt.Sprintf("failed to encode %s result", name),
				Data:    mcpErrorData(map[string]any{"error": err.Error()}),
			}
		}

		out := &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
		}
		if env, ok := result.(brokererrors.Envelope); ok && !env.OK {
			out.IsError = true
		}
		return out, nil
	}
}

// mcpErrorData marshals data for a jsonrpc.Error. A marshal failure here is
// logged and dropped rather than masking the original error.
func mcpErrorData(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		serverLog.Printf("Failed to marshal error data: %v", err)
		return nil
	}
	return data
}

// RunStdio serves the protocol over stdin/stdout until the client hangs up.
func (s *Server) RunStdio(ctx context.Context) error {
	serverLog.Print("MCP server ready on stdio")
	return s.MCP().Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP serves the full HTTP surface (protocol plus health/catalog/session
// endpoints) on the given port.
func (s *Server) RunHTTP(port int) error {
	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: constants.DefaultHTTPReadHeader,
	}
	fmt.Fprintln(os.Stderr, console.FormatInfoMessage(fmt.Sprintf("Starting MCP server on http://localhost%s", addr)))
	serverLog.Printf("HTTP server listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}
