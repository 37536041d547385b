//go:build linux

package fafnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two peers, one message: B's addressed frame reaches A with the
// destuid stripped and the size shrunk accordingly; B hears nothing.
func TestRelayTwoPeers(t *testing.T) {
	e := newTestEngine(t)
	a, aRemote := addPeer(t, e, uidUnset)
	b, bRemote := addPeer(t, e, uidUnset)

	feed(t, e, a, aRemote, announceFrame(42))
	feed(t, e, b, bRemote, announceFrame(7))
	feed(t, e, b, bRemote, messageFrame(0x1234, 42, []byte{0xDE, 0xAD, 0xBE, 0xEF}))

	assert.Equal(t,
		[]byte{0x00, 0x00, 0x00, 0x06, 0x12, 0x34, 0xDE, 0xAD, 0xBE, 0xEF},
		readAvail(t, aRemote))
	assert.Nil(t, readAvail(t, bRemote))
}

func TestUnknownDestinationDrops(t *testing.T) {
	e := newTestEngine(t)
	_, aRemote := addPeer(t, e, 42)
	b, bRemote := addPeer(t, e, 7)

	feed(t, e, b, bRemote, messageFrame(0x1234, 99, []byte{0xDE, 0xAD}))

	assert.Nil(t, readAvail(t, aRemote))
	assert.Nil(t, readAvail(t, bRemote), "no error frame to the source")
	assert.False(t, b.closed, "source stays open")
	assert.Zero(t, b.bufLen, "frame consumed")
}

// The header rewrite law: output is (size-2, port, payload), both
// fields big-endian, for any addressed frame.
func TestHeaderRewriteLaw(t *testing.T) {
	cases := []struct {
		name    string
		port    uint16
		payload []byte
	}{
		{"empty payload", 0, nil},
		{"one byte", 0xFFFF, []byte{0x00}},
		{"text", 80, []byte("hello, peer")},
		{"binary", 0x8001, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t)
			_, aRemote := addPeer(t, e, 42)
			b, bRemote := addPeer(t, e, 7)

			feed(t, e, b, bRemote, messageFrame(tc.port, 42, tc.payload))
			assert.Equal(t, relayedFrame(tc.port, tc.payload), readAvail(t, aRemote))
		})
	}
}

func TestRouterPrimesPeerCache(t *testing.T) {
	e := newTestEngine(t)
	a, aRemote := addPeer(t, e, 42)
	b, bRemote := addPeer(t, e, 7)

	require.Nil(t, b.peers.find(42))
	feed(t, e, b, bRemote, messageFrame(1, 42, []byte{0x01}))
	assert.Same(t, a, b.peers.find(42), "index hit primes the cache")
	readAvail(t, aRemote)

	// second message resolves through the cache even after the index
	// entry is displaced
	delete(e.peers, 42)
	feed(t, e, b, bRemote, messageFrame(2, 42, []byte{0x02}))
	assert.Equal(t, relayedFrame(2, []byte{0x02}), readAvail(t, aRemote))
}

// Cycling through 17 destinations leaves the 16 most recent in the
// cache, most recent first; the first destination has been evicted.
func TestCacheEvictionViaRouting(t *testing.T) {
	e := newTestEngine(t)
	src, srcRemote := addPeer(t, e, 100)
	remotes := make(map[int32]int)
	for uid := int32(1); uid <= 17; uid++ {
		_, r := addPeer(t, e, uid)
		remotes[uid] = r
	}

	for uid := uint16(1); uid <= 17; uid++ {
		feed(t, e, src, srcRemote, messageFrame(uid, uid, []byte{byte(uid)}))
	}

	assert.Equal(t, peerCacheSize, src.peers.n)
	assert.Nil(t, src.peers.find(1), "oldest entry evicted")
	for i := 0; i < peerCacheSize; i++ {
		assert.EqualValues(t, 17-i, src.peers.peers[i].uid, "most recent first")
	}
	for uid := int32(1); uid <= 17; uid++ {
		assert.NotNil(t, readAvail(t, remotes[uid]), "every frame was relayed")
	}
}

// A peer may address itself; the relay loops straight back.
func TestRelayToSelf(t *testing.T) {
	e := newTestEngine(t)
	a, aRemote := addPeer(t, e, 42)

	feed(t, e, a, aRemote, messageFrame(5, 42, []byte{0x01}))
	assert.Equal(t, relayedFrame(5, []byte{0x01}), readAvail(t, aRemote))
}
