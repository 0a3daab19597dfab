// Copyright 2025 Exonum Core Contributors
//
// Frames are a fixed 4-byte big-endian length prefix followed by that
// many bytes of payload (a handshake Connect.Encode() during the
// handshake, a schema.Message.Encode() afterward). Unlike pkg/codec's
// bijective tail-pointer layout, there is nothing here to prove
// roundtrip identity over — a frame is just "how many bytes follow."
package p2p

import (
	"encoding/binary"
	"io"
)

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxLen > 0 && n > maxLen {
		return nil, errFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
