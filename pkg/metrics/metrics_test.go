// Copyright 2025 Exonum Core Contributors

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	m := New()
	m.ObserveCommit(7)
	m.ObserveRoundTimeout()
	m.ObserveEquivocation()
	m.SetPeerCount(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "exonum_commits_total 1")
	require.Contains(t, body, "exonum_round_timeouts_total 1")
	require.Contains(t, body, "exonum_equivocations_total 1")
	require.Contains(t, body, "exonum_committed_height 7")
	require.Contains(t, body, "exonum_peer_count 3")
}

func TestNilMetricsMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveCommit(1)
		m.ObserveRoundTimeout()
		m.ObserveEquivocation()
		m.SetPeerCount(5)
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTwoInstancesDoNotCollideOnRegistration(t *testing.T) {
	a := New()
	b := New()
	require.NotPanics(t, func() {
		a.ObserveCommit(1)
		b.ObserveCommit(2)
	})

	reqA := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recA := httptest.NewRecorder()
	a.Handler().ServeHTTP(recA, reqA)
	require.True(t, strings.Contains(recA.Body.String(), "exonum_commits_total 1"))
}
