package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// Gateway is the read side of the gateway exposed as tools.
type Gateway interface {
	BudgetCheck(ctx context.Context, tenantID string) (models.BudgetCheck, error)
	Budgets(ctx context.Context) ([]models.BudgetCheck, error)
	Usage(ctx context.Context, q models.UsageQuery) ([]models.UsageRecord, error)
	CacheStats(ctx context.Context) (models.CacheStats, error)
}

// AlertLister lists stored budget alerts.
type AlertLister interface {
	List(ctx context.Context, q models.AlertQuery) ([]models.BudgetAlert, error)
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	gw      Gateway
	alerts  AlertLister
	version string
	log     *zap.Logger
}

// New creates a new MCP Server. alerts may be nil.
func New(gw Gateway, alerts AlertLister, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		gw:      gw,
		alerts:  alerts,
		version: version,
		log:     log,
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, Response{
				JSONRPC: jsonrpcVersion,
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, *resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.isNotification() {
		s.log.Debug("mcp notification", zap.String("method", req.Method))
		return nil
	}
	switch req.Method {
	case "initialize":
		var caps Capabilities
		return reply(req, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "tenantgate", Version: s.version},
			Capabilities:    caps,
			Instructions:    "Read-only view of tenant budgets, usage records, cache statistics and budget alerts.",
		})
	case "ping":
		return reply(req, struct{}{})
	case "tools/list":
		return reply(req, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	default:
		return errorResponse(req, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req, CodeInvalidParams, "invalid params")
	}
	handler, ok := toolHandlers[params.Name]
	if !ok {
		return reply(req, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	start := time.Now()
	res := handler(ctx, s, params.Arguments)
	s.log.Debug("mcp tool call",
		zap.String("tool", params.Name),
		zap.Bool("is_error", res.IsError),
		zap.Duration("took", time.Since(start)),
	)
	return reply(req, res)
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("mcp: marshal response", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.Error("mcp: write response", zap.Error(err))
	}
}
