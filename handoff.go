//go:build linux

package fafnet

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/y001j/fafnet/sockets"
)

// Control protocol: each SOCK_SEQPACKET message opens with one of these
// ASCII tags. "desc" additionally carries up to maxDescsPerMessage
// little-endian int32 UIDs (uidUnset for peers that never announced)
// and an SCM_RIGHTS record with the matching descriptors, in order.
const (
	msgDesc        = "desc"
	msgExit        = "exit"
	msgUnlisten    = "unlisten"
	msgUnlistening = "unlistening"

	maxDescsPerMessage = 256
	ctrlTagLen         = 4
	maxCtrlMsgSize     = ctrlTagLen + maxDescsPerMessage*4
)

// ctrlState names the control endpoint's role in the handoff state
// machine. Decay is one-way: a decaying instance never listens again.
type ctrlState int32

const (
	ctrlNone      ctrlState = iota
	ctrlListening           // owns the path, accepts handoff requests
	ctrlClient              // connected into a running instance, inheriting fds
	ctrlAccepted            // a control connection is being serviced
	ctrlDecaying            // unlistening sent; draining and shipping fds outward
)

type ctrlEndpoint struct {
	state    ctrlState
	path     string
	listener *Conn // role ctrlListener
	conn     *Conn // role ctrlConn
}

// startControl arbitrates ownership of the control path: a running
// instance is asked to stop listening and hand its sockets over;
// otherwise this instance binds the path itself. A stale path (connect
// refused) is unlinked first. Any other connect errno leaves the
// instance running without a control endpoint, as before.
func (e *Engine) startControl(path string) error {
	e.ctrl.path = path
	fd, err := sockets.CtrlConnect(path)
	switch {
	case err == nil:
		return e.ctrlHandshake(fd)
	case err == unix.ECONNREFUSED:
		if uerr := unix.Unlink(path); uerr != nil {
			return errors.Wrapf(uerr, "unlink %s", path)
		}
		return e.ctrlListen()
	case err == unix.ENOENT:
		return e.ctrlListen()
	default:
		e.log.Errorf("connect %s: %v", path, err)
		e.ctrl.state = ctrlNone
		return nil
	}
}

// ctrlListen binds the control listener and takes the accepting role.
func (e *Engine) ctrlListen() error {
	fd, err := sockets.CtrlListen(e.ctrl.path)
	if err != nil {
		return err
	}
	c := &Conn{fd: fd, role: ctrlListener, uid: uidUnset, label: e.ctrl.path}
	if err := e.register(c); err != nil {
		unix.Close(fd)
		return err
	}
	e.ctrl.listener = c
	e.ctrl.state = ctrlListening
	return nil
}

// ctrlHandshake runs the client-side start-up exchange: send
// "unlisten", wait for "unlistening". The recv blocks on purpose; this
// is the only blocking I/O in the process and happens before the event
// loop starts. Any other reply aborts start-up.
func (e *Engine) ctrlHandshake(fd int) error {
	if _, err := unix.Write(fd, []byte(msgUnlisten)); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "send unlisten")
	}
	reply := make([]byte, 32)
	n, err := unix.Read(fd, reply)
	if err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "recv unlistening")
	}
	if n == 0 {
		unix.Close(fd)
		return errors.New("unexpected EOF from running server")
	}
	if string(reply[:n]) != msgUnlistening {
		unix.Close(fd)
		return errors.Errorf("running server reported: %q", reply[:n])
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "set nonblock")
	}
	c := &Conn{fd: fd, role: ctrlConn, uid: uidUnset}
	if err := e.register(c); err != nil {
		unix.Close(fd)
		return err
	}
	e.ctrl.conn = c
	e.ctrl.state = ctrlClient
	return nil
}

// acceptCtrl admits one control connection and parks the listener until
// that connection goes away; only one handoff peer is serviced at a
// time.
func (e *Engine) acceptCtrl(ln *Conn) {
	nfd, _, err := unix.Accept4(ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		e.log.Errorf("accept on %s: %v", ln.label, err)
		return
	}
	c := &Conn{fd: nfd, role: ctrlConn, uid: uidUnset}
	if err := e.register(c); err != nil {
		e.log.Errorf("register control fd %d: %v", nfd, err)
		unix.Close(nfd)
		return
	}
	e.unregister(ln)
	e.ctrl.conn = c
	e.ctrl.state = ctrlAccepted
}

// handleCtrl services readiness on the control connection in whichever
// direction this instance is playing. The return value propagates the
// batch-restart request after an unlisten drain.
func (e *Engine) handleCtrl(c *Conn) bool {
	if e.ctrl.state == ctrlClient {
		e.handleCtrlInbound(c)
		return false
	}
	return e.handleCtrlCommand(c)
}

// handleCtrlCommand reads one command from the peer instance while this
// one holds the accepting role.
func (e *Engine) handleCtrlCommand(c *Conn) bool {
	buf := make([]byte, 32)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return false
		}
		e.log.Errorf("read control fd %d: %v", c.fd, err)
		e.dropCtrlConn(c)
		return false
	}
	if n == 0 {
		e.dropCtrlConn(c)
		return false
	}
	switch string(buf[:n]) {
	case msgUnlisten:
		return e.handleUnlisten(c)
	default:
		e.log.Warnf("malformed control message %q", buf[:n])
		e.dropCtrlConn(c)
	}
	return false
}

// dropCtrlConn closes the active control connection and, unless decay
// has begun, restores the control listener to the readiness set.
func (e *Engine) dropCtrlConn(c *Conn) {
	e.unregister(c)
	unix.Close(c.fd)
	e.ctrl.conn = nil
	if e.ctrl.state == ctrlDecaying {
		return
	}
	if e.ctrl.listener != nil {
		if err := e.register(e.ctrl.listener); err != nil {
			e.log.Errorf("restore control listener: %v", err)
		}
	}
	e.ctrl.state = ctrlListening
}

// handleUnlisten relinquishes the accepting role: drop the TCP
// listeners, acknowledge, then ship every currently-idle identified
// peer to the new instance in batches and enter decay. Peers with
// buffered bytes follow one by one once they drain.
func (e *Engine) handleUnlisten(c *Conn) bool {
	e.closeListeners()
	if _, err := unix.Write(c.fd, []byte(msgUnlistening)); err != nil {
		e.log.Errorf("write unlistening: %v", err)
		return false
	}
	e.ctrl.state = ctrlDecaying
	e.decaying = true
	for {
		n := e.shipIdleBatch()
		if n == 0 {
			break
		}
		e.log.Infof("bulk send: %d", n)
	}
	return true
}

// shipIdleBatch sends one desc message with up to maxDescsPerMessage
// idle identified peers, lowest UID first, and reports how many went
// out.
func (e *Engine) shipIdleBatch() int {
	idle := make([]*Conn, 0, len(e.peers))
	for _, p := range e.peers {
		if p.bufLen == 0 {
			idle = append(idle, p)
		}
	}
	if len(idle) == 0 {
		return 0
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].uid < idle[j].uid })
	if len(idle) > maxDescsPerMessage {
		idle = idle[:maxDescsPerMessage]
	}
	if !e.sendDescs(idle) {
		return 0
	}
	return len(idle)
}

// shipPeer sends a single drained peer onward during decay.
func (e *Engine) shipPeer(c *Conn) {
	e.sendDescs([]*Conn{c})
}

// sendDescs ships a batch of peer descriptors over the control
// connection in one desc message. On success the descriptors leave the
// readiness set, the UID index, and this process; ownership is now the
// receiver's and the local fds are closed. Reports whether the message
// went out.
func (e *Engine) sendDescs(batch []*Conn) bool {
	if e.ctrl.conn == nil {
		e.log.Errorf("no control connection to ship %d descriptors", len(batch))
		return false
	}
	buf := make([]byte, ctrlTagLen+4*len(batch))
	copy(buf, msgDesc)
	fds := make([]int, len(batch))
	for i, p := range batch {
		binary.LittleEndian.PutUint32(buf[ctrlTagLen+4*i:], uint32(p.uid))
		fds[i] = p.fd
	}
	if _, err := unix.SendmsgN(e.ctrl.conn.fd, buf, unix.UnixRights(fds...), nil, 0); err != nil {
		e.log.Errorf("sendmsg: %v", err)
		return false
	}
	for _, p := range batch {
		e.unregister(p)
		unix.Close(p.fd)
		e.totalSockets--
		if p.identified() && e.peers[p.uid] == p {
			delete(e.peers, p.uid)
		}
		p.closed = true
		p.uid = uidUnset
		p.release()
	}
	return true
}

// handleCtrlInbound receives desc/exit traffic while this instance is
// inheriting sockets from the decaying one.
func (e *Engine) handleCtrlInbound(c *Conn) {
	buf := make([]byte, maxCtrlMsgSize)
	oob := make([]byte, unix.CmsgSpace(maxDescsPerMessage*4))
	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return
		}
		e.log.Errorf("recvmsg: %v", err)
		return
	}
	if n == 0 {
		e.log.Errorf("unexpected close of control connection")
		e.unregister(c)
		unix.Close(c.fd)
		e.ctrl.conn = nil
		e.ctrl.state = ctrlNone
		return
	}
	switch {
	case n >= ctrlTagLen && string(buf[:ctrlTagLen]) == msgDesc:
		e.recvDescs(buf[ctrlTagLen:n], oob[:oobn])
	case string(buf[:n]) == msgExit:
		e.handleExit(c)
	default:
		e.log.Warnf("malformed control message %q", buf[:n])
		e.unregister(c)
		unix.Close(c.fd)
		e.ctrl.conn = nil
		e.ctrl.state = ctrlNone
	}
}

// recvDescs promotes a batch of inherited descriptors. The UID array
// and the SCM_RIGHTS payload must agree; the sender is trusted local
// code, so any mismatch is a bug and fatal.
func (e *Engine) recvDescs(uidbuf, oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		e.log.Fatalf("parse control message: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Header.Level != unix.SOL_SOCKET || msgs[0].Header.Type != unix.SCM_RIGHTS {
		e.log.Fatalf("malformed control message: wrong type")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		e.log.Fatalf("parse unix rights: %v", err)
	}
	if len(uidbuf) != 4*len(fds) {
		e.log.Fatalf("desc carries %d uid bytes for %d descriptors", len(uidbuf), len(fds))
	}
	for i, fd := range fds {
		uid := int32(binary.LittleEndian.Uint32(uidbuf[4*i:]))
		e.adoptPeer(fd, uid)
	}
}

// handleExit reclaims the accepting role: the decaying instance has
// shipped its last socket and unlinked the path.
func (e *Engine) handleExit(c *Conn) {
	e.unregister(c)
	unix.Close(c.fd)
	e.ctrl.conn = nil
	if err := e.ctrlListen(); err != nil {
		e.log.Errorf("rebind %s: %v", e.ctrl.path, err)
		e.ctrl.state = ctrlNone
	}
	e.log.Infof("%d sockets inherited from the dead", e.inherited)
}
