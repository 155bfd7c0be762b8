// Package transport exposes the Service facade and the inter-node
// consensus RPCs over HTTP+JSON via gorilla/mux (spec §6's RPC
// surface), in place of the gRPC+protobuf transport protoc-generated
// code would otherwise require.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/quorumlog/quorumlog/internal/cluster"
	"github.com/quorumlog/quorumlog/internal/service"
	"github.com/quorumlog/quorumlog/internal/wal"
)

type WriteRequest struct {
	Command []byte `json:"command"`
}

type WriteResponse struct {
	Offset uint64 `json:"offset"`
}

type ReadResponse struct {
	Command []byte `json:"command"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP surface a node exposes to clients and to its
// peers.
type Server struct {
	svc      *service.Service
	election *cluster.Election
	repl     *cluster.Replication
	logger   zerolog.Logger
	http     *http.Server
}

func NewServer(addr string, svc *service.Service, election *cluster.Election, repl *cluster.Replication, logger zerolog.Logger) *Server {
	s := &Server{svc: svc, election: election, repl: repl, logger: logger.With().Str("component", "transport").Logger()}

	router := mux.NewRouter()
	router.HandleFunc("/records", s.handleWrite).Methods(http.MethodPost)
	router.HandleFunc("/records/{offset:[0-9]+}", s.handleRead).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/raft/vote", s.handleVote).Methods(http.MethodPost)
	router.HandleFunc("/raft/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/raft/append", s.handleAppendEntries).Methods(http.MethodPost)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) Serve() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("transport listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	return s.http.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	offset, err := s.svc.Write(r.Context(), req.Command)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, WriteResponse{Offset: offset})
	case errors.Is(err, cluster.ErrNotLeader):
		w.Header().Set("X-Leader-Addr", s.svc.LeaderAddr())
		writeError(w, http.StatusMisdirectedRequest, err)
	case errors.Is(err, cluster.ErrCommitTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	offset, err := strconv.ParseUint(vars["offset"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	command, err := s.svc.Read(offset)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ReadResponse{Command: command})
	case isNotFound(err):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func isNotFound(err error) bool {
	var outOfRange wal.ErrOffsetOutOfRange
	return errors.As(err, &outOfRange)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req cluster.VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.election.HandleVoteRequest(req))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.election.HandleHeartbeat(req))
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req cluster.AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.repl.HandleAppendEntries(req))
}
