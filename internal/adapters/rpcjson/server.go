package rpcjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/application"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

type Server struct {
	service  *application.Service
	logger   *zap.Logger
	listener net.Listener
	path     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// Application error codes are 40000 plus the position of the kind here.
var kindCodes = []domain.ErrorKind{
	domain.KindValidation,
	domain.KindNotFound,
	domain.KindConflict,
	domain.KindUndoConflict,
	domain.KindBusy,
	domain.KindInvariant,
	domain.KindTransient,
}

// Start listens on the unix socket at path, replacing a stale socket file.
func Start(path string, service *application.Service, logger *zap.Logger) (*Server, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rpc socket path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{service: service, logger: logger, listener: ln, path: path, ctx: ctx, cancel: cancel}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) Path() string { return s.path }

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting, cancels in-flight calls and waits for the
// connection goroutines to return.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	_ = os.Remove(s.path)
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				return
			}
			_ = enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}, ID: nil})
			return
		}

		resp := s.dispatch(s.ctx, req)
		if resp.Error != nil {
			s.logger.Debug("rpc call failed",
				zap.String("method", req.Method),
				zap.Int("code", resp.Error.Code),
				zap.String("error", resp.Error.Message),
			)
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

type structureParams struct {
	StructureID uint `json:"structure_id"`
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32600, Message: "invalid request"}, ID: req.ID}
	}

	switch req.Method {
	case "structures.list":
		var p struct {
			Q     string `json:"q"`
			Limit int    `json:"limit"`
		}
		if len(req.Params) > 0 && !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		out, err := s.service.ListStructures(ctx, p.Q, p.Limit)
		return reply(req.ID, out, err)
	case "structures.create":
		var p struct {
			Key  string `json:"key"`
			Name string `json:"name"`
		}
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		out, err := s.service.CreateStructure(ctx, p.Key, p.Name)
		return reply(req.ID, out, err)
	case "structures.get":
		var p structureParams
		if !decodeParams(req.Params, &p) || p.StructureID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.GetStructure(ctx, p.StructureID)
		return reply(req.ID, out, err)
	case "tree.get":
		var p structureParams
		if !decodeParams(req.Params, &p) || p.StructureID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.Tree(ctx, p.StructureID)
		return reply(req.ID, out, err)
	case "items.list":
		var p structureParams
		if !decodeParams(req.Params, &p) || p.StructureID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.Items(ctx, p.StructureID)
		return reply(req.ID, out, err)
	case "items.create":
		var p struct {
			StructureID uint `json:"structure_id"`
			application.CreateItemInput
		}
		if !decodeParams(req.Params, &p) || p.StructureID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.CreateItem(ctx, p.StructureID, p.CreateItemInput)
		return reply(req.ID, out, err)
	case "items.rename":
		var p struct {
			StructureID uint   `json:"structure_id"`
			Key         string `json:"key"`
			Description string `json:"description"`
		}
		if !decodeParams(req.Params, &p) || p.StructureID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.RenameItem(ctx, p.StructureID, p.Key, p.Description)
		return reply(req.ID, out, err)
	case "items.move":
		var p struct {
			StructureID uint              `json:"structure_id"`
			MovedID     uint              `json:"moved_id"`
			TargetID    uint              `json:"target_id"`
			Intent      domain.DropIntent `json:"intent"`
		}
		if !decodeParams(req.Params, &p) || p.StructureID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.MoveItem(ctx, p.StructureID, p.MovedID, p.TargetID, p.Intent)
		return reply(req.ID, out, err)
	case "items.delete":
		var p struct {
			StructureID uint `json:"structure_id"`
			ItemID      uint `json:"item_id"`
		}
		if !decodeParams(req.Params, &p) || p.StructureID == 0 || p.ItemID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.DeleteItem(ctx, p.StructureID, p.ItemID)
		return reply(req.ID, out, err)
	case "history.list":
		var p struct {
			StructureID uint `json:"structure_id"`
			Limit       int  `json:"limit"`
			All         bool `json:"all"`
		}
		if !decodeParams(req.Params, &p) || p.StructureID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.History(ctx, p.StructureID, p.Limit, p.All)
		return reply(req.ID, out, err)
	case "history.undo":
		var p struct {
			StructureID uint `json:"structure_id"`
			EntryID     uint `json:"entry_id"`
		}
		if !decodeParams(req.Params, &p) || p.StructureID == 0 || p.EntryID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.Undo(ctx, p.StructureID, p.EntryID)
		return reply(req.ID, out, err)
	case "status.get":
		var p structureParams
		if !decodeParams(req.Params, &p) || p.StructureID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.Status(ctx, p.StructureID)
		return reply(req.ID, out, err)
	case "structure.refresh":
		var p structureParams
		if !decodeParams(req.Params, &p) || p.StructureID == 0 {
			return invalidParams(req.ID)
		}
		out, err := s.service.Refresh(ctx, p.StructureID)
		return reply(req.ID, out, err)
	default:
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32601, Message: "method not found"}, ID: req.ID}
	}
}

func reply(id any, out any, err error) response {
	if err != nil {
		return appError(id, err)
	}
	return response{JSONRPC: "2.0", Result: out, ID: id}
}

func decodeParams(raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func invalidParams(id any) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: -32602, Message: "invalid params"}, ID: id}
}

// appError reports classified errors under their kind code; anything else is
// an internal error.
func appError(id any, err error) response {
	kind := domain.KindOf(err)
	for i, k := range kindCodes {
		if k == kind {
			return response{JSONRPC: "2.0", Error: &rpcError{Code: 40000 + i + 1, Message: err.Error(), Kind: string(kind)}, ID: id}
		}
	}
	return internalError(id, err)
}

func internalError(id any, err error) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: 50000, Message: fmt.Sprintf("internal error: %v", err)}, ID: id}
}
