package paramserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/protocol"
)

// Handle applies one protocol request and returns its response. It never
// panics on bad input: malformed payloads, unknown operations and unknown
// senders all come back as error responses.
func (s *Server) Handle(ctx context.Context, req protocol.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("param server: recovered from panic handling %s from node %d: %v", req.Op, req.SenderID, r)
			resp = protocol.Fail(req, errors.Errorf("internal error: %v", r))
		}
	}()

	if req.Version != protocol.Version {
		return protocol.Fail(req, errors.Wrapf(protocol.ErrUnsupportedVersion, "got %d, want %d", req.Version, protocol.Version))
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		return protocol.Fail(req, err)
	}
	return protocol.OK(req, result)
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request) (any, error) {
	switch req.Op {
	case protocol.OpRegister:
		var p protocol.RegisterPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if p.Node.ID != req.SenderID {
			return nil, errors.Wrapf(protocol.ErrBadRequest, "sender %d registering node %d", req.SenderID, p.Node.ID)
		}
		return nil, s.Register(p.Node)

	case protocol.OpDeclare:
		var p protocol.DeclarePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return nil, s.Declare(req.SenderID, p.Name, p.Kind, p.Rows, p.Cols)

	case protocol.OpIncrement:
		var p protocol.IncrementPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		v, err := s.Increment(req.SenderID, p.Name, p.Delta)
		if err != nil {
			return nil, err
		}
		return protocol.Int32Result{Value: v}, nil

	case protocol.OpAdd:
		var p protocol.AddPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		v, err := s.Add(req.SenderID, p.Name, p.Delta)
		if err != nil {
			return nil, err
		}
		return protocol.FloatResult{Value: v}, nil

	case protocol.OpLoad:
		var p protocol.NamePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		v, err := s.Load(req.SenderID, p.Name)
		if err != nil {
			return nil, err
		}
		return v, nil

	case protocol.OpStore:
		var p protocol.StorePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return nil, s.Store(req.SenderID, p.Name, p.Value)

	case protocol.OpAcquire:
		var p protocol.NamePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		g, err := s.Acquire(ctx, req.SenderID, p.Name)
		if err != nil {
			return nil, err
		}
		return protocol.GrantResult{Grant: g}, nil

	case protocol.OpTryAcquire:
		var p protocol.NamePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		g, err := s.TryAcquire(req.SenderID, p.Name)
		if err != nil {
			return nil, err
		}
		return protocol.GrantResult{Grant: g}, nil

	case protocol.OpRelease:
		var p protocol.NamePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return nil, s.Release(req.SenderID, p.Name)

	case protocol.OpWriteMatrix:
		var p protocol.WriteMatrixPayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return nil, s.WriteMatrix(req.SenderID, p.Name, p.Block, p.Data)

	case protocol.OpReadMatrix:
		var p protocol.NamePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		m, err := s.ReadMatrix(req.SenderID, p.Name)
		if err != nil {
			return nil, err
		}
		return protocol.MatrixResult{Matrix: m}, nil

	case protocol.OpDelete:
		var p protocol.NamePayload
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return nil, s.Delete(req.SenderID, p.Name)

	case protocol.OpLeave:
		return nil, s.Leave(req.SenderID)
	}
	return nil, errors.Wrapf(protocol.ErrBadRequest, "unknown operation %q", req.Op)
}

// Routes returns the HTTP surface of the param server.
//
//	POST /rpc        protocol requests
//	GET  /health     liveness
//	GET  /nodes      membership manifest of registered nodes
//	GET  /variables  variable listing with operation counts
//	POST /stop       request a graceful shutdown
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/nodes", s.handleNodes)
	mux.HandleFunc("/variables", s.handleVariables)
	mux.HandleFunc("/stop", s.handleStop)
	return mux
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req protocol.Request
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		log.Printf("param server: rejected malformed request from %s: %v", r.RemoteAddr, err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, protocol.Fail(req, errors.Wrapf(protocol.ErrBadRequest, "request exceeds %d bytes", tooLarge.Limit)))
			return
		}
		writeJSON(w, http.StatusBadRequest, protocol.Fail(req, errors.Wrap(protocol.ErrBadRequest, "bad json")))
		return
	}

	resp := s.Handle(r.Context(), req)
	if resp.Status == protocol.StatusError && r.Context().Err() == nil {
		log.Printf("param server: %s from node %d failed: %s", req.Op, req.SenderID, resp.Error)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Manifest())
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list := s.table.List()
	writeJSON(w, http.StatusOK, struct {
		Variables any `json:"variables"`
		Count     int `json:"count"`
	}{Variables: list, Count: len(list)})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log.Printf("param server: stop requested by %s", r.RemoteAddr)
	s.RequestStop()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("param server: error writing response: %v", err)
	}
}
