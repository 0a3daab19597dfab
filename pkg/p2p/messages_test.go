// Copyright 2025 Exonum Core Contributors

package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exonumcore/exonum/pkg/crypto"
)

func TestProposeRequestRoundTrip(t *testing.T) {
	want := &ProposeRequest{Height: 42, Round: 3, ProposalHash: crypto.HashBytes([]byte("proposal"))}
	got, err := DecodeProposeRequest(want.Encode())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPrevotesRequestRoundTrip(t *testing.T) {
	want := &PrevotesRequest{Height: 42, Round: 3, ProposalHash: crypto.HashBytes([]byte("proposal"))}
	got, err := DecodePrevotesRequest(want.Encode())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPrevotesResponseRoundTrip(t *testing.T) {
	want := &PrevotesResponse{Prevotes: [][]byte{[]byte("vote-one"), []byte("vote-two")}}
	got, err := DecodePrevotesResponse(want.Encode())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPrevotesResponseRoundTripEmpty(t *testing.T) {
	want := &PrevotesResponse{}
	got, err := DecodePrevotesResponse(want.Encode())
	require.NoError(t, err)
	require.Empty(t, got.Prevotes)
}

func TestDecodeProposeRequestRejectsTruncatedBuffer(t *testing.T) {
	_, err := DecodeProposeRequest([]byte{0, 1, 2})
	require.Error(t, err)
}
