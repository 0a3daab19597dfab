// Copyright 2025 Exonum Core Contributors
//
// Package api is the external collaborator surface named in spec §6:
// submit (validate and gossip a transaction), snapshot (read-only
// queries and proofs), and subscribe_block_commit (push notification
// after each commit). The wire format, HTTP status codes, and routing
// are this package's own choice, not the core's — spec §6 explicitly
// leaves them to collaborators.
//
// Grounded on pkg/server/attestation_handlers.go's handler-struct shape
// (one struct holding the service it fronts plus a logger, one method
// per endpoint, a shared writeJSONError helper); logrus replaces the
// teacher's stdlib *log.Logger to stay consistent with the rest of this
// module's ambient logging.
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/metrics"
	"github.com/exonumcore/exonum/pkg/pool"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
)

// Server fronts one node's pool and database with the three external
// operations spec §6 names.
type Server struct {
	db      *storage.Database
	pool    *pool.Pool
	hub     *Hub
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// NewServer builds a Server. hub may be nil, in which case
// /subscribe/blocks reports 503 rather than panicking.
func NewServer(db *storage.Database, p *pool.Pool, hub *Hub, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{db: db, pool: p, hub: hub, log: log.WithField("component", "api")}
}

// SetMetrics attaches m so /metrics serves it; a Server with none set
// answers /metrics with 404.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Routes returns the HTTP mux wiring submit/snapshot/subscribe/metrics.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", s.handleSubmit)
	mux.HandleFunc("/blocks/height", s.handleHeight)
	mux.HandleFunc("/blocks/", s.handleBlockByHeight)
	mux.HandleFunc("/transactions/", s.handleTransactionResult)
	mux.HandleFunc("/subscribe/blocks", s.handleSubscribeBlocks)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	TxHash    string `json:"tx_hash"`
}

// handleSubmit implements spec §6's submit(transaction_bytes): it
// decodes the posted body as a signed schema.Message and admits it to
// the pool. The pool itself verifies any signature it knows how to
// (lookup is nil here — an anonymous submission endpoint's signer key
// is validated by the execution dispatcher at block-execution time, not
// the pool).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	tx, err := schema.DecodeMessage(body)
	if err != nil {
		writeJSONError(w, "malformed transaction", http.StatusBadRequest)
		return
	}

	hash, err := s.pool.Submit(tx, nil)
	if err != nil {
		if err == pool.ErrTxExists {
			writeJSON(w, http.StatusOK, submitResponse{RequestID: uuid.NewString(), TxHash: hash.String()})
			return
		}
		s.log.WithError(err).Warn("rejected submitted transaction")
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: uuid.NewString(), TxHash: hash.String()})
}

// handleHeight answers the number of committed blocks (Schema.Height,
// so 1 once genesis is stored), the first step of any snapshot query a
// collaborator performs.
func (s *Server) handleHeight(w http.ResponseWriter, r *http.Request) {
	snap := s.db.Snapshot()
	sch, err := schema.New(snap)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sch.Close()
	h, err := sch.Height()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"height": h})
}

type blockView struct {
	Height     uint64 `json:"height"`
	PrevHash   string `json:"prev_hash"`
	TxHash     string `json:"tx_hash"`
	StateHash  string `json:"state_hash"`
	ProposerID uint16 `json:"proposer_id"`
	TxCount    uint32 `json:"tx_count"`
}

// handleBlockByHeight serves snapshot() reads of one committed block,
// URL-encoded as /blocks/{height}.
func (s *Server) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	height, ok := parseHeightSuffix(r.URL.Path, "/blocks/")
	if !ok {
		writeJSONError(w, "invalid height", http.StatusBadRequest)
		return
	}
	snap := s.db.Snapshot()
	sch, err := schema.New(snap)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sch.Close()
	block, err := sch.BlockAt(height)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, blockView{
		Height:     block.Height,
		PrevHash:   block.PrevHash.String(),
		TxHash:     block.TxHash.String(),
		StateHash:  block.StateHash.String(),
		ProposerID: block.ProposerID,
		TxCount:    block.TxCount,
	})
}

// handleTransactionResult serves /transactions/{hex_hash}, the status
// recorded for one transaction's execution.
func (s *Server) handleTransactionResult(w http.ResponseWriter, r *http.Request) {
	hexHash := r.URL.Path[len("/transactions/"):]
	b, err := hexDecode(hexHash)
	if err != nil {
		writeJSONError(w, "invalid hash", http.StatusBadRequest)
		return
	}
	hash, err := crypto.HashFromBytes(b)
	if err != nil {
		writeJSONError(w, "invalid hash", http.StatusBadRequest)
		return
	}
	snap := s.db.Snapshot()
	sch, err := schema.New(snap)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sch.Close()
	status, err := sch.TransactionResult(hash)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
