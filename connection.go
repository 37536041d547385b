//go:build linux

package fafnet

import (
	"github.com/panjf2000/gnet/v2/pkg/pool/byteslice"
)

// Role tags what a watched descriptor is used for.
type Role int32

const (
	tcpListener Role = iota
	tcpPeer
	ctrlListener
	ctrlConn
)

const (
	// peerBufSize is the capacity of a peer connection's read buffer.
	// A frame that cannot fit can never complete and kills the
	// connection.
	peerBufSize = 4096

	uidUnset = -1
)

// Conn is one descriptor multiplexed by the event loop. Peer records
// may outlive their descriptor: a closed peer is tombstoned
// (uid reset to uidUnset) and lingers in other connections' caches
// until they sweep it.
type Conn struct {
	fd     int
	role   Role
	uid    int32 // peer UID, uidUnset until the announce frame arrives
	buf    []byte
	bufLen int
	peers  peerCache
	label  string // printable bind address, listeners only
	closed bool
}

func newPeerConn(fd int) *Conn {
	return &Conn{
		fd:   fd,
		role: tcpPeer,
		uid:  uidUnset,
		buf:  byteslice.Get(peerBufSize),
	}
}

func newListenerConn(fd int, label string) *Conn {
	return &Conn{fd: fd, role: tcpListener, uid: uidUnset, label: label}
}

func (c *Conn) identified() bool { return c.uid != uidUnset }

// release returns the read buffer to the pool. The record itself stays
// reachable through peer caches until they drop it.
func (c *Conn) release() {
	if c.buf != nil {
		byteslice.Put(c.buf)
		c.buf = nil
	}
}
