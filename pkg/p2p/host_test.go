// Copyright 2025 Exonum Core Contributors

package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/schema"
)

func newTestHost(t *testing.T) (*Host, crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	h := NewHost(kp, "127.0.0.1:0", 0, nil)
	require.NoError(t, h.Listen())
	t.Cleanup(func() { h.Close() })
	return h, kp
}

func waitForPeer(t *testing.T, h *Host) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.Peers()) == 1
	}, time.Second, time.Millisecond)
}

func TestHostHandshakeRegistersPeerBothSides(t *testing.T) {
	a, _ := newTestHost(t)
	b, _ := newTestHost(t)

	require.NoError(t, a.Connect(b.Addr().String()))

	waitForPeer(t, a)
	waitForPeer(t, b)

	require.Equal(t, a.Addr().String(), b.Peers()[0].ListenAddr)
}

func TestHostBroadcastDeliversToPeer(t *testing.T) {
	a, _ := newTestHost(t)
	b, bKey := newTestHost(t)
	require.NoError(t, a.Connect(b.Addr().String()))
	waitForPeer(t, a)
	waitForPeer(t, b)

	msg := schema.SignMessage(bKey, 7, 1, []byte("hello"))
	b.Broadcast(msg)

	select {
	case got := <-a.Inbound():
		require.Equal(t, bKey.Public, got.From)
		require.Equal(t, uint16(7), got.Msg.ServiceID)
		require.Equal(t, []byte("hello"), got.Msg.Body)
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestHostRejectsSelfConnect(t *testing.T) {
	a, _ := newTestHost(t)
	err := a.Connect(a.Addr().String())
	require.Error(t, err)
}
