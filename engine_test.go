//go:build linux

package fafnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// newTestEngine builds an engine around a bare epoll instance, without
// listeners or a control path.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	require.NoError(t, err)
	e := &Engine{
		log:   zap.NewNop().Sugar(),
		epfd:  epfd,
		conns: make(map[int]*Conn),
		peers: make(map[int32]*Conn),
	}
	t.Cleanup(func() { unix.Close(epfd) })
	return e
}

// addPeer registers a peer connection backed by one end of a stream
// socketpair and returns it together with the test-side descriptor.
// uid may be uidUnset for a peer that has not announced yet.
func addPeer(t *testing.T, e *Engine, uid int32) (*Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	c := newPeerConn(fds[0])
	require.NoError(t, e.register(c))
	e.totalSockets++
	if uid != uidUnset {
		c.uid = uid
		e.peers[uid] = c
	}
	t.Cleanup(func() {
		if !c.closed {
			unix.Close(fds[0])
		}
		unix.Close(fds[1])
	})
	return c, fds[1]
}

// feed writes b on the test side of the pair and services the
// resulting readiness on c.
func feed(t *testing.T, e *Engine, c *Conn, remote int, b []byte) {
	t.Helper()
	_, err := unix.Write(remote, b)
	require.NoError(t, err)
	e.handlePeer(c)
}

// readAvail drains whatever the test-side descriptor currently holds.
func readAvail(t *testing.T, fd int) []byte {
	t.Helper()
	buf := make([]byte, peerBufSize)
	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN {
		return nil
	}
	require.NoError(t, err)
	return buf[:n]
}

func TestDuplicateUIDReplacesMapping(t *testing.T) {
	e := newTestEngine(t)
	first, firstRemote := addPeer(t, e, uidUnset)
	second, secondRemote := addPeer(t, e, uidUnset)

	feed(t, e, first, firstRemote, announceFrame(42))
	require.Same(t, first, e.peers[42])

	feed(t, e, second, secondRemote, announceFrame(42))
	assert.Same(t, second, e.peers[42], "later announce owns the uid")
	assert.False(t, first.closed, "displaced peer stays open")
	assert.EqualValues(t, 42, first.uid)

	// closing the displaced peer must not evict the new mapping
	e.closePeer(first)
	assert.Same(t, second, e.peers[42])
}

func TestEOFClosesPeer(t *testing.T) {
	e := newTestEngine(t)
	a, aRemote := addPeer(t, e, 1)
	b, bRemote := addPeer(t, e, 2)

	// b routes to a once so a sits in b's cache
	feed(t, e, b, bRemote, messageFrame(0x1234, 1, []byte{0xAA}))
	require.NotNil(t, b.peers.find(1))
	readAvail(t, aRemote)

	require.NoError(t, unix.Close(aRemote))
	e.handlePeer(a)

	assert.True(t, a.closed)
	assert.Nil(t, e.peers[1])
	assert.EqualValues(t, uidUnset, a.uid, "closed peer is tombstoned")
	assert.Nil(t, b.peers.find(1), "tombstone never matches a find")
	assert.Equal(t, 1, e.totalSockets)
}

func TestCloseListenersKeepsPeers(t *testing.T) {
	e := newTestEngine(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	ln := newListenerConn(fds[0], "0.0.0.0:9134")
	require.NoError(t, e.register(ln))
	e.listeners = append(e.listeners, ln)
	e.totalSockets++

	_, _ = addPeer(t, e, 7)

	e.closeListeners()
	assert.Empty(t, e.listeners)
	assert.Equal(t, 1, e.totalSockets, "peer still counted")
	assert.NotNil(t, e.peers[7])
}
