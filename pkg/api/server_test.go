// Copyright 2025 Exonum Core Contributors

package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/pool"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Database) {
	t.Helper()
	db := storage.Open(dbm.NewMemDB())
	fork := db.Fork()
	sch, err := schema.New(fork)
	require.NoError(t, err)
	require.NoError(t, sch.PutBlock(&schema.Block{Height: 0, PrevHash: crypto.ZeroHash}))
	require.NoError(t, db.Merge(fork.IntoPatch()))
	p := pool.New(0, nil, nil)
	hub := NewHub(nil)
	return NewServer(db, p, hub, nil), db
}

func TestHandleSubmitAdmitsTransaction(t *testing.T) {
	s, _ := newTestServer(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tx := schema.SignMessage(kp, 1, 1, []byte("payload"))

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(string(tx.Encode())))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, tx.Hash().String(), resp.TxHash)
	require.True(t, s.pool.Has(tx.Hash()))
}

func TestHandleSubmitRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("not a message"))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHeightReportsOneBlockAtGenesis(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/blocks/height", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, uint64(1), body["height"])
}

func TestHandleBlockByHeightServesGenesis(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/blocks/0", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view blockView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, uint64(0), view.Height)
}

func TestHubPublishReachesSubscriber(t *testing.T) {
	hub := NewHub(nil)
	s := &Server{hub: hub, log: hub.log}

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/subscribe/blocks")
	require.NoError(t, err)
	defer resp.Body.Close()

	hub.Publish(&schema.Block{Height: 1}, nil)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	require.Contains(t, line, `"Height":1`)
}
