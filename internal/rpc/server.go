// Package rpc exposes the workflow operations as JSON-RPC 2.0 tools over a
// Content-Length framed stream (stdio or a unix socket).
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"devflow/internal/engine"
)

// JSON-RPC error codes.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeUnknownError         = -32001
)

const protocolVersion = "1.0"

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func newError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r request) notification() bool { return len(r.ID) == 0 }

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

// Config for the RPC server.
type Config struct {
	Engine engine.Engine
	Logger *slog.Logger
	// DefaultProject is used when a tool call omits project_id.
	DefaultProject string
	ActorID        string
	Version        string
}

type Server struct {
	cfg   Config
	log   *slog.Logger
	tools *toolset
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ActorID == "" {
		cfg.ActorID = "rpc"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{cfg: cfg, log: cfg.Logger}
	s.tools = s.buildTools()
	return s
}

// session is the per-connection protocol state.
type session struct {
	initialized bool
	shutdown    bool
}

// Serve handles one client until it sends exit, closes the stream, or ctx is
// cancelled. Requests on a session are handled in order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	conn := NewConn(r, w)
	var sess session
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := conn.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		resp, exit := s.handle(ctx, &sess, body)
		if resp != nil {
			if err := conn.Write(resp); err != nil {
				return err
			}
		}
		if exit {
			return nil
		}
	}
}

// ServeListener accepts connections until ctx is cancelled and serves each
// on its own goroutine.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				<-connCtx.Done()
				c.Close()
			}()
			if err := s.Serve(connCtx, c, c); err != nil && connCtx.Err() == nil {
				s.log.Warn("rpc connection closed", "remote", c.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (s *Server) handle(ctx context.Context, sess *session, body []byte) (*response, bool) {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return &response{JSONRPC: "2.0", ID: nullID, Error: newError(CodeParseError, "parse error: %v", err)}, false
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return s.reply(req, nil, newError(CodeInvalidRequest, "invalid request")), false
	}
	s.log.Debug("rpc request", "method", req.Method)

	switch req.Method {
	case "exit":
		if req.notification() {
			return nil, true
		}
		return s.reply(req, nil, nil), true
	case "initialize":
		if sess.initialized {
			return s.reply(req, nil, newError(CodeInvalidRequest, "server already initialized")), false
		}
		sess.initialized = true
		return s.reply(req, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]string{"name": "devflow", "version": s.cfg.Version},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil), false
	}

	if !sess.initialized {
		return s.reply(req, nil, newError(CodeServerNotInitialized, "server not initialized")), false
	}
	if sess.shutdown {
		return s.reply(req, nil, newError(CodeInvalidRequest, "server is shutting down")), false
	}

	var (
		result any
		rpcErr *Error
	)
	switch req.Method {
	case "shutdown":
		sess.shutdown = true
	case "list_tools":
		result = map[string]any{"tools": s.tools.order}
	case "call_tool":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			rpcErr = newError(CodeInvalidParams, "call_tool requires a tool name")
			break
		}
		result, rpcErr = s.call(ctx, params.Name, params.Arguments)
	default:
		if _, ok := s.tools.byName[req.Method]; ok {
			result, rpcErr = s.call(ctx, req.Method, req.Params)
			break
		}
		rpcErr = newError(CodeMethodNotFound, "method not found: %s", req.Method)
	}
	if req.notification() {
		return nil, false
	}
	return s.reply(req, result, rpcErr), false
}

func (s *Server) reply(req request, result any, rpcErr *Error) *response {
	id := req.ID
	if len(id) == 0 {
		id = nullID
	}
	resp := &response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr != nil {
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = newError(CodeInternalError, "encode result: %v", err)
		return resp
	}
	resp.Result = data
	return resp
}

// toolResult is the Result envelope returned by every tool.
type toolResult struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *toolError `json:"error,omitempty"`
}

type toolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) call(ctx context.Context, name string, args json.RawMessage) (any, *Error) {
	t, ok := s.tools.byName[name]
	if !ok {
		return nil, newError(CodeMethodNotFound, "unknown tool: %s", name)
	}
	data, err := t.call(ctx, args)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		code := engine.Code(err)
		if code == "internal_error" {
			s.log.Error("rpc tool failed", "tool", name, "error", err)
		} else {
			s.log.Debug("rpc tool rejected", "tool", name, "code", code, "error", err)
		}
		return toolResult{Error: &toolError{Code: code, Message: err.Error(), Details: engine.Details(err)}}, nil
	}
	return toolResult{Success: true, Data: data}, nil
}
