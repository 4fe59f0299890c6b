package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"zapd/go-daemon/internal/feed"
	"zapd/go-daemon/internal/supervisor"
)

const maxRPCBodyBytes int64 = 64 << 10

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// StatusResult is returned by daemon.status.
type StatusResult struct {
	Tasks []supervisor.TaskStatus `json:"tasks"`
	Feed  *FeedResult             `json:"feed,omitempty"`
}

type FeedResult struct {
	State     string         `json:"state"`
	PeerCount int            `json:"peer_count"`
	Received  uint64         `json:"received"`
	LastSync  time.Time      `json:"last_sync"`
	LastError string         `json:"last_error,omitempty"`
	Network   map[string]int `json:"network,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if !s.allow(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	started := time.Now()
	result, rpcErr := s.dispatch(req.Method)
	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
		s.logger.Warn("rpc failed", "component", componentName, "operation", "rpc.dispatch", "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.logger.Debug("rpc response", "component", componentName, "operation", "rpc.dispatch", "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	if s.metrics != nil {
		method := req.Method
		if rpcErr != nil && rpcErr.Code == codeMethodNotFound {
			method = "unknown"
		}
		s.metrics.RPCRequests.WithLabelValues(method, outcome).Inc()
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

func (s *Server) dispatch(method string) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "daemon.status":
		return s.status(), nil
	case "daemon.info":
		return s.info, nil
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
	}
}

func (s *Server) status() StatusResult {
	out := StatusResult{Tasks: []supervisor.TaskStatus{}}
	if s.tasks != nil {
		out.Tasks = s.tasks.Health()
	}
	if s.feed != nil {
		out.Feed = feedResult(s.feed.Status())
		out.Feed.Network = s.feed.NetworkMetrics()
	}
	return out
}

func feedResult(st feed.Status) *FeedResult {
	return &FeedResult{
		State:     st.State,
		PeerCount: st.PeerCount,
		Received:  st.Received,
		LastSync:  st.LastSync,
		LastError: st.LastError,
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: codeInvalidRequest, Message: "invalid request"},
	})
}
