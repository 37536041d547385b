//go:build linux

package fafnet

import (
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Run drives the event loop until the socket count (listeners plus
// peers) reaches zero. SIGUSR1 closes the TCP listeners while existing
// connections keep being served; the handler itself only feeds the
// channel, the loop does the work.
func (e *Engine) Run() error {
	signal.Notify(e.sigs, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Stop(e.sigs)

	e.lastStatus = time.Now()
	events := make([]unix.EpollEvent, maxEpollEvents)

	for e.totalSockets > 0 {
		select {
		case <-e.sigs:
			e.closeListeners()
		default:
		}
		if time.Since(e.lastStatus) > e.opts.StatusInterval {
			e.log.Infof("%d connections, %d identified peers",
				e.totalSockets-len(e.listeners), len(e.peers))
			e.lastStatus = time.Now()
		}

		n, err := unix.EpollWait(e.epfd, events, epollWaitMsec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			e.log.Errorf("epoll_wait: %v", err)
			continue
		}
		restart := false
		for i := 0; i < n && !restart; i++ {
			c := e.conns[int(events[i].Fd)]
			if c == nil {
				// torn down earlier in this batch
				continue
			}
			restart = e.dispatch(c)
		}
	}
	e.finish()
	return nil
}

// dispatch routes one readiness event to the owner of the descriptor.
// It reports true when the readiness set changed so sweepingly that the
// rest of the batch must be discarded.
func (e *Engine) dispatch(c *Conn) bool {
	switch c.role {
	case tcpListener:
		e.acceptPeer(c)
	case ctrlListener:
		e.acceptCtrl(c)
	case ctrlConn:
		return e.handleCtrl(c)
	default:
		e.handlePeer(c)
	}
	return false
}

// handlePeer services read readiness on a peer socket. In decay mode a
// peer whose buffer is empty after the read and parse is shipped onward.
func (e *Engine) handlePeer(c *Conn) {
	n, err := unix.Read(c.fd, c.buf[c.bufLen:])
	if err != nil {
		if err != unix.ECONNRESET && err != unix.EAGAIN && err != unix.EINTR {
			e.log.Errorf("read fd %d: %v", c.fd, err)
		}
		return
	}
	if n == 0 {
		e.closePeer(c)
		return
	}
	c.bufLen += n
	if !e.drain(c) {
		return
	}
	// in decay, ship as soon as no partial frame is left buffered
	if e.decaying && c.bufLen == 0 {
		e.log.Infof("single send")
		e.shipPeer(c)
	}
}

// finish runs once the loop's socket count has reached zero. A decayed
// instance tells its successor that the control path is free before
// going away.
func (e *Engine) finish() {
	if e.ctrl.state == ctrlDecaying && e.ctrl.path != "" {
		if e.ctrl.listener != nil {
			unix.Close(e.ctrl.listener.fd)
			e.ctrl.listener = nil
		}
		if err := unix.Unlink(e.ctrl.path); err != nil {
			e.log.Errorf("unlink %s: %v", e.ctrl.path, err)
		}
		if e.ctrl.conn != nil {
			if _, err := unix.Write(e.ctrl.conn.fd, []byte(msgExit)); err != nil {
				e.log.Errorf("send exit: %v", err)
			}
			unix.Close(e.ctrl.conn.fd)
			e.ctrl.conn = nil
		}
	}
	e.log.Infof("exit due to %d sockets left to serve", e.totalSockets)
	unix.Close(e.epfd)
}
