// Copyright 2025 Exonum Core Contributors

package p2p

import (
	"net"
	"sync"

	"github.com/exonumcore/exonum/pkg/crypto"
)

// peer is one live TCP connection, reader and writer running as
// independent goroutines so a slow peer's write queue never blocks this
// node's read loop or any other peer's delivery (spec §4.8's "split
// across handler invocations or delegated to a worker" applied to the
// network boundary).
type peer struct {
	conn       net.Conn
	pubKey     crypto.PublicKey
	listenAddr string

	out       chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(conn net.Conn, pubKey crypto.PublicKey, listenAddr string) *peer {
	return &peer{
		conn:       conn,
		pubKey:     pubKey,
		listenAddr: listenAddr,
		out:        make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// enqueue drops the frame rather than blocking if this peer's outbound
// queue is saturated; a stalled peer must not stall the broadcast loop.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case frame := <-p.out:
			if err := writeFrame(p.conn, frame); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
