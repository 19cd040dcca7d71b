// Package mcp serves a read-only operator view of tollgate (budgets, sync
// status and the audit log) as an MCP tool server over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/tollgate/pkg/models"
)

const protocolVersion = "2024-11-05"

// BudgetReader reports a subject's budget usage and rate window.
type BudgetReader interface {
	Status(ctx context.Context, subject, tier string) ([]models.BudgetStatus, models.RateWindow, error)
}

// TierReader resolves a subject's tier.
type TierReader interface {
	Resolve(ctx context.Context, subject string) string
}

// SyncStatusReader reads the sync status record of a source.
type SyncStatusReader interface {
	Get(ctx context.Context, source string) (models.SyncStatus, error)
}

// AuditReader queries the audit log.
type AuditReader interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error)
	Stats(ctx context.Context) ([]models.AuditStat, error)
}

// Deps are the read sides the tools use. Any of them may be nil; the tool
// then answers that the subsystem is not configured.
type Deps struct {
	Budgets BudgetReader
	Tiers   TierReader
	Sync    SyncStatusReader
	Audit   AuditReader
}

// Server is a line-delimited JSON-RPC 2.0 MCP server.
type Server struct {
	deps    Deps
	version string
}

// New creates a Server.
func New(d Deps, version string) *Server {
	return &Server{deps: d, version: version}
}

// Run reads requests from r line by line and writes responses to w until r is
// exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, *resp)
		}
	}
	return scanner.Err()
}

// dispatch returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "tollgate", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req, map[string]any{})
	case "tools/list":
		return result(req, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	default:
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)},
		}
	}
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeInvalidParams, Message: "invalid params"},
		}
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	log.Debug().Str("tool", params.Name).Msg("mcp tool call")
	return result(req, handler(ctx, s, params.Arguments))
}

func result(req *Request, v any) *Response {
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: v}
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("mcp: marshal response")
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Msg("mcp: write response")
	}
}
