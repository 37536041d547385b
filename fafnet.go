//go:build linux

// Package fafnet is a message-routing proxy for a peer-to-peer game
// protocol. Clients announce a 16-bit UID on their TCP connection and
// send length-prefixed frames addressed to other UIDs; the proxy
// relays each frame to the connection holding the destination UID.
// A running instance can hand all of its established peer sockets over
// to a newly started one through a local control socket carrying file
// descriptors, then drain and exit (live handoff).
package fafnet

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/y001j/fafnet/sockets"
)

// DefaultPort is the TCP port served when Options.Port is zero.
const DefaultPort = 9134

const (
	defaultBacklog        = 50
	defaultStatusInterval = 5 * time.Second

	maxEpollEvents = 32
	epollWaitMsec  = 1000
)

// Options configure an Engine.
type Options struct {
	// Port is the TCP port the proxy listens on. Zero means
	// DefaultPort.
	Port int

	// CtrlPath names the local control socket used for live handoff.
	// Empty disables handoff.
	CtrlPath string

	// Backlog for the TCP listeners.
	Backlog int

	// StatusInterval between periodic status lines.
	StatusInterval time.Duration

	// Logger receives all diagnostics. A development logger is built
	// when nil.
	Logger *zap.Logger
}

// Engine multiplexes every proxy descriptor on a single epoll
// instance. All fields are owned by the event loop goroutine; the only
// cross-goroutine signal is the sigs channel, drained at the top of
// each iteration.
type Engine struct {
	opts Options
	log  *zap.SugaredLogger

	epfd  int
	conns map[int]*Conn   // every registered descriptor, by fd
	peers map[int32]*Conn // identified peers, by uid

	listeners []*Conn

	ctrl ctrlEndpoint

	decaying     bool
	totalSockets int // listeners + peers; control descriptors excluded
	inherited    int

	sigs       chan os.Signal
	lastStatus time.Time
}

// New builds an engine: epoll instance, control-path arbitration
// (which may block for the unlistening handshake with a running
// instance), then the TCP listeners.
func New(opts Options) (*Engine, error) {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Backlog == 0 {
		opts.Backlog = defaultBacklog
	}
	if opts.StatusInterval == 0 {
		opts.StatusInterval = defaultStatusInterval
	}
	if opts.Logger == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts.Logger = logger
	}

	e := &Engine{
		opts:  opts,
		log:   opts.Logger.Sugar(),
		conns: make(map[int]*Conn),
		peers: make(map[int32]*Conn),
		sigs:  make(chan os.Signal, 1),
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	e.epfd = epfd

	if opts.CtrlPath != "" {
		if err := e.startControl(opts.CtrlPath); err != nil {
			e.shutdownFds()
			return nil, err
		}
	}

	lns, err := sockets.TCPListeners(opts.Port, opts.Backlog)
	if err != nil {
		e.shutdownFds()
		return nil, err
	}
	for i, ln := range lns {
		c := newListenerConn(ln.Fd, ln.Label)
		if err := e.register(c); err != nil {
			for _, rest := range lns[i:] {
				unix.Close(rest.Fd)
			}
			e.shutdownFds()
			return nil, err
		}
		e.listeners = append(e.listeners, c)
		e.totalSockets++
	}
	return e, nil
}

// register adds c's descriptor to the readiness set.
func (e *Engine) register(c *Conn) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(c.fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, c.fd, &ev); err != nil {
		return errors.Wrap(err, "epoll_ctl(ADD)")
	}
	e.conns[c.fd] = c
	return nil
}

// unregister removes c's descriptor from the readiness set. The
// descriptor stays open; closing is the caller's business.
func (e *Engine) unregister(c *Conn) {
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, c.fd, nil); err != nil {
		e.log.Errorf("epoll_ctl(DEL) fd %d: %v", c.fd, err)
	}
	delete(e.conns, c.fd)
}

// closePeer tears a peer down on EOF or protocol error: the descriptor
// leaves the readiness set and the UID index, caches on both sides are
// cleaned, and the record is tombstoned so remaining cache entries never
// match a find and are swept on that cache's next insertion.
func (e *Engine) closePeer(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	e.unregister(c)
	unix.Close(c.fd)
	e.totalSockets--
	if c.identified() && e.peers[c.uid] == c {
		delete(e.peers, c.uid)
	}
	c.peers.removeFromAll(c)
	c.peers.clear()
	c.uid = uidUnset
	c.release()
}

// closeListeners drops every TCP accepting socket but keeps serving the
// connections already established.
func (e *Engine) closeListeners() {
	for _, ln := range e.listeners {
		e.log.Infof("close server %s", ln.label)
		e.unregister(ln)
		unix.Close(ln.fd)
		e.totalSockets--
	}
	e.listeners = e.listeners[:0]
}

// shutdownFds releases everything New managed to open when start-up
// fails partway.
func (e *Engine) shutdownFds() {
	for fd := range e.conns {
		unix.Close(fd)
	}
	unix.Close(e.epfd)
}
