//go:build linux

package fafnet

// peerCacheSize bounds the per-connection MRU of recent destinations.
const peerCacheSize = 16

// peerCache is a most-recently-inserted-first list of destinations a
// connection has routed to. It amortises UID index lookups for chatty
// peer pairs. Entries are weak: a cached Conn whose uid has been reset
// to uidUnset is a tombstone and is swept on the next insertion.
type peerCache struct {
	n     int
	peers [peerCacheSize]*Conn
}

// find scans for a live entry with the given uid. Tombstones never
// match; their uid is uidUnset.
func (pc *peerCache) find(uid int32) *Conn {
	for i := 0; i < pc.n; i++ {
		if pc.peers[i].uid == uid {
			return pc.peers[i]
		}
	}
	return nil
}

// add inserts p at the front, shifting older entries back and dropping
// the oldest one when the cache is full.
func (pc *peerCache) add(p *Conn) {
	pc.sweepUnset()
	if pc.n == peerCacheSize {
		pc.n--
	}
	copy(pc.peers[1:pc.n+1], pc.peers[:pc.n])
	pc.peers[0] = p
	pc.n++
}

// remove drops p wherever it appears and compacts the list.
func (pc *peerCache) remove(p *Conn) {
	for i := 0; i < pc.n; i++ {
		if pc.peers[i] == p {
			copy(pc.peers[i:], pc.peers[i+1:pc.n])
			pc.n--
			pc.peers[pc.n] = nil
			return
		}
	}
}

// sweepUnset compacts away tombstoned entries.
func (pc *peerCache) sweepUnset() {
	o := 0
	for i := 0; i < pc.n; i++ {
		if pc.peers[i].uid == uidUnset {
			continue
		}
		pc.peers[o] = pc.peers[i]
		o++
	}
	for i := o; i < pc.n; i++ {
		pc.peers[i] = nil
	}
	pc.n = o
}

// removeFromAll asks every cached destination to forget self. Runs on
// the close path so mutually-caching pairs do not hold stale entries.
func (pc *peerCache) removeFromAll(self *Conn) {
	for i := 0; i < pc.n; i++ {
		pc.peers[i].peers.remove(self)
	}
}

func (pc *peerCache) clear() {
	for i := 0; i < pc.n; i++ {
		pc.peers[i] = nil
	}
	pc.n = 0
}
