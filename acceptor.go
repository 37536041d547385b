//go:build linux

package fafnet

import (
	"golang.org/x/sys/unix"
)

// acceptPeer installs a fresh TCP peer connection: nonblocking, UID
// unset until its announce frame, watched for read readiness.
func (e *Engine) acceptPeer(ln *Conn) {
	nfd, _, err := unix.Accept4(ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		e.log.Errorf("accept on %s: %v", ln.label, err)
		return
	}
	c := newPeerConn(nfd)
	if err := e.register(c); err != nil {
		e.log.Errorf("register fd %d: %v", nfd, err)
		unix.Close(nfd)
		c.release()
		return
	}
	e.totalSockets++
}

// adoptPeer installs a descriptor inherited over the control socket.
// A uid of uidUnset means the peer never announced before the handoff;
// it stays out of the index and re-announces in-band on its next read.
func (e *Engine) adoptPeer(fd int, uid int32) {
	if err := unix.SetNonblock(fd, true); err != nil {
		e.log.Errorf("set nonblock fd %d: %v", fd, err)
	}
	c := newPeerConn(fd)
	c.uid = uid
	if err := e.register(c); err != nil {
		e.log.Errorf("register inherited fd %d: %v", fd, err)
		unix.Close(fd)
		c.release()
		return
	}
	e.totalSockets++
	e.inherited++
	if c.identified() {
		e.peers[c.uid] = c
	}
}
