//go:build linux

package fafnet

import (
	"encoding/binary"
)

// Peer wire format, big-endian. Every frame opens with a 4-byte size
// counting the bytes that follow it.
//
//	announce:  size(4)=2, uid(2)                     first frame only
//	addressed: size(4)>=4, port(2), destuid(2), payload(size-4)
//	relayed:   size-2(4), port(2), payload           destuid elided
const (
	frameSizeLen  = 4
	announceLen   = 2
	addressHdrLen = 4

	// maxFrameSize is the largest size field a peer buffer can hold.
	// Compared against the raw uint32 so size+4 cannot wrap.
	maxFrameSize = peerBufSize - frameSizeLen
)

// drain extracts complete frames from c's buffer: the announce frame
// claims a UID, addressed frames go to the router. Surviving bytes of a
// partial frame are compacted to the front of the buffer. Reports false
// when the connection was destroyed for a protocol violation.
func (e *Engine) drain(c *Conn) bool {
	head := 0
	for c.bufLen-head >= frameSizeLen {
		size := binary.BigEndian.Uint32(c.buf[head:])
		if size > maxFrameSize {
			e.log.Warnf("fd %d: frame of %d bytes exceeds buffer, dropping peer", c.fd, size)
			e.closePeer(c)
			return false
		}
		if int(size)+frameSizeLen > c.bufLen-head {
			break
		}
		frame := c.buf[head : head+frameSizeLen+int(size)]
		if !c.identified() {
			if size < announceLen {
				e.log.Warnf("fd %d: short announce frame", c.fd)
				e.closePeer(c)
				return false
			}
			c.uid = int32(binary.BigEndian.Uint16(frame[frameSizeLen:]))
			// a duplicate uid displaces the old mapping; the displaced
			// peer stays open but is no longer addressable
			e.peers[c.uid] = c
		} else {
			if size < addressHdrLen {
				e.log.Warnf("fd %d: short message frame", c.fd)
				e.closePeer(c)
				return false
			}
			// in decay the frame is consumed but never forwarded; the
			// new instance is authoritative for addressing by now
			if !e.decaying {
				e.route(c, frame)
			}
		}
		head += frameSizeLen + int(size)
	}
	if head > 0 && head < c.bufLen {
		copy(c.buf, c.buf[head:c.bufLen])
	}
	c.bufLen -= head
	return true
}
