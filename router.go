//go:build linux

package fafnet

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// route forwards one addressed frame from src to the peer owning its
// destination UID. Resolution goes through src's peer cache first and
// falls back to the UID index, priming the cache on a hit; an unknown
// destination drops the frame silently.
//
// The outbound frame overlays the inbound one at a 2-byte shift: the
// destuid field is elided, size shrinks by 2, and the payload is shared
// in place, so no second buffer is involved.
func (e *Engine) route(src *Conn, frame []byte) {
	destuid := int32(binary.BigEndian.Uint16(frame[6:8]))

	peer := src.peers.find(destuid)
	if peer == nil {
		peer = e.peers[destuid]
		if peer == nil {
			return
		}
		src.peers.add(peer)
	}

	port := binary.BigEndian.Uint16(frame[4:6])
	out := frame[2:]
	binary.BigEndian.PutUint32(out[:4], uint32(len(out)-frameSizeLen))
	binary.BigEndian.PutUint16(out[4:6], port)

	n, err := unix.Write(peer.fd, out)
	if err != nil {
		if err != unix.ECONNRESET && err != unix.EPIPE {
			e.log.Errorf("write to fd %d: %v", peer.fd, err)
		}
		return
	}
	if n != len(out) {
		e.log.Warnf("short write to fd %d (%d of %d)", peer.fd, n, len(out))
	}
}
