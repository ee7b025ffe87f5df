package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/hearthd/hearth/internal/agent"
)

// Server answers MCP requests over a line-delimited JSON-RPC stream,
// routing tools/call into a tool registry.
type Server struct {
	registry *agent.Registry
	info     ServerInfo
	logger   *slog.Logger

	writeMu sync.Mutex
}

// NewServer creates a server over a registry.
func NewServer(registry *agent.Registry, name, version string) *Server {
	return &Server{
		registry: registry,
		info:     ServerInfo{Name: name, Version: version},
		logger:   slog.Default().With("component", "mcp"),
	}
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is cancelled. Malformed lines get error responses; the
// stream stays up.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.respondError(w, nil, ErrCodeParseError, "parse error")
			continue
		}
		// Notifications get no response.
		if req.ID == nil {
			continue
		}
		s.handle(ctx, w, req)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, w io.Writer, req JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.respond(w, req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
			ServerInfo:      s.info,
		})

	case "ping":
		s.respond(w, req.ID, struct{}{})

	case "tools/list":
		defs := s.registry.Definitions()
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
		tools := make([]ToolDescriptor, 0, len(defs))
		for _, def := range defs {
			tools = append(tools, ToolDescriptor{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: def.Schema,
			})
		}
		s.respond(w, req.ID, ListToolsResult{Tools: tools})

	case "tools/call":
		var params CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			s.respondError(w, req.ID, ErrCodeInvalidParams, "invalid tools/call params")
			return
		}
		s.logger.Info("tool call", "tool", params.Name)
		res := s.registry.Call(ctx, params.Name, params.Arguments)
		s.respond(w, req.ID, CallToolResult{
			Content: []ToolResultContent{{Type: "text", Text: res.Content}},
			IsError: res.IsError,
		})

	default:
		s.respondError(w, req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) respond(w io.Writer, id any, result any) {
	s.write(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) respondError(w io.Writer, id any, code int, message string) {
	s.write(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}})
}

func (s *Server) write(w io.Writer, resp JSONRPCResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	encoded, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response not encodable", "error", err)
		return
	}
	encoded = append(encoded, '\n')
	if _, err := w.Write(encoded); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}
