// Package ioloop implements the daemon's single-threaded, edge-triggered
// event multiplexer (spec.md §4.1). One epoll instance fans readable
// sockets out to handlers and drives re-armable one-shot timers; every
// handler runs to completion before the next is dispatched, which is what
// lets every other package treat the interface registry and configuration
// snapshot as race-free (spec.md §5).
package ioloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// DatagramHandler handles one datagram read from a registered socket. buf
// is valid only for the duration of the call. ifIndex is the ingress
// interface as recovered from ancillary control data, or 0 if unknown.
type DatagramHandler func(src Addr, buf []byte, ifIndex int)

// EventHandler handles a non-datagram readiness event (a timer firing).
// It receives the subscription itself so a single handler function can be
// shared across many timers, each closed over its own payload via the
// subscription's UserData.
type EventHandler func(sub *Subscription)

// Addr is a minimal source-address shape so ioloop does not need to
// depend on net.UDPAddr/net.IPAddr for every socket kind it multiplexes.
type Addr struct {
	IP   [16]byte
	Port int
	Zone string
}

// Kind distinguishes a socket-backed subscription from a timer.
type Kind int

// Subscription kinds.
const (
	KindDatagram Kind = iota
	KindTimer
	KindWake
)

// Reader is the minimal surface ioloop needs from a socket: a raw file
// descriptor to register with epoll, and a non-blocking read that drains
// one datagram. Concrete socket types in internal/sockets implement this.
type Reader interface {
	Fd() int
	ReadDatagram(buf []byte) (n int, src Addr, ifIndex int, err error)
}

// Subscription is a registered readable source paired with exactly one
// handler (spec.md §3 "Event subscription"). Subscriptions are registered
// at engine init and never deregistered before shutdown.
type Subscription struct {
	Kind Kind

	// UserData lets a single EventHandler distinguish which timer fired
	// without a second lookup table - see DESIGN.md "Interface timer <->
	// event coupling".
	UserData any

	reader  Reader
	datagramHandler DatagramHandler
	eventHandler    EventHandler

	// timer-only fields.
	fd       int // timerfd
	interval time.Duration
}

// Loop is the event multiplexer. The zero value is not usable; use [New].
type Loop struct {
	epfd int

	mu   sync.Mutex
	subs map[int]*Subscription // keyed by fd

	stopFd int // eventfd used to wake epoll_wait from Stop()
	stopped atomic.Bool

	buf []byte
}

// bufferSize matches RELAYD_BUFFER_SIZE from spec.md §7: ~1500 bytes of
// payload plus headroom for ancillary control data.
const bufferSize = 1500 + 128

// New creates an epoll-backed event loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Annotate(err, "ioloop: epoll_create1: %w")
	}

	stopFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)

		return nil, errors.Annotate(err, "ioloop: eventfd: %w")
	}

	l := &Loop{
		epfd:   epfd,
		subs:   make(map[int]*Subscription),
		stopFd: stopFd,
		buf:    make([]byte, bufferSize),
	}

	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(stopFd),
	}); err != nil {
		l.Close()

		return nil, errors.Annotate(err, "ioloop: registering stop fd: %w")
	}

	return l, nil
}

// Register adds a datagram-reading socket to the loop. handler is called
// once per datagram, drained in a loop until the read would block
// (edge-triggered readiness, per spec.md §4.1: draining is the
// framework's responsibility, not the handler's).
func (l *Loop) Register(r Reader, handler DatagramHandler) (*Subscription, error) {
	sub := &Subscription{
		Kind:            KindDatagram,
		reader:          r,
		datagramHandler: handler,
		fd:              r.Fd(),
	}

	return sub, l.addFd(sub.fd, sub)
}

// RegisterTimer arms a one-shot monotonic timer that fires handler after
// d, passing sub so the handler can recover UserData and re-arm itself
// (spec.md §4.1: "the handler re-arms itself after firing").
func (l *Loop) RegisterTimer(d time.Duration, handler EventHandler, userData any) (*Subscription, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, errors.Annotate(err, "ioloop: timerfd_create: %w")
	}

	sub := &Subscription{
		Kind:         KindTimer,
		UserData:     userData,
		eventHandler: handler,
		fd:           fd,
	}

	if err = l.addFd(fd, sub); err != nil {
		unix.Close(fd)

		return nil, err
	}

	if err = Rearm(sub, d); err != nil {
		l.remove(sub)

		return nil, err
	}

	return sub, nil
}

// RegisterWake creates an eventfd-backed wake source: a call to [Wake] on
// the returned subscription, from any goroutine including a signal
// handler, causes handler to run on the loop goroutine at the next
// dispatch. This is how an out-of-band trigger (spec.md §4.3's "any
// equivalent async refresh trigger", e.g. SIGUSR1) reaches an engine
// without violating spec.md §5's single-threaded dispatch invariant: the
// refresh work itself always runs on the loop, never on the signal
// goroutine.
func (l *Loop) RegisterWake(handler EventHandler) (*Subscription, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Annotate(err, "ioloop: eventfd: %w")
	}

	sub := &Subscription{
		Kind:         KindWake,
		eventHandler: handler,
		fd:           fd,
	}

	if err = l.addFd(fd, sub); err != nil {
		unix.Close(fd)

		return nil, err
	}

	return sub, nil
}

// Wake signals a wake subscription created by [Loop.RegisterWake]. Like
// Stop, it only writes to an eventfd, so it is safe to call from a signal
// handler.
func Wake(sub *Subscription) {
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(sub.fd, one[:])
}

func (l *Loop) addFd(fd int, sub *Subscription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.subs[fd]; dup {
		return errors.Error("ioloop: duplicate readable source")
	}

	l.subs[fd] = sub

	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (l *Loop) remove(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.subs, sub.fd)
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, sub.fd, nil)
}

// FD reports the subscription's underlying file descriptor (the timerfd
// for a timer subscription), letting a caller stash it for later
// diagnostics without exposing the field itself.
func (sub *Subscription) FD() int { return sub.fd }

// Rearm re-arms a timer subscription to fire once more after d. It is
// exported so the RD/NDP engines can re-arm their own timers with a
// freshly randomized interval (spec.md §4.3 step 5) from inside their own
// EventHandler callback.
func Rearm(sub *Subscription, d time.Duration) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}

	return unix.TimerfdSettime(sub.fd, 0, &spec, nil)
}

// Run processes readiness events until ctx is canceled or Stop is called.
// It is the only suspension point in the daemon (spec.md §5). Only Stop
// wakes a blocked epoll_wait; a canceled ctx is noticed the next time the
// wait returns.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 16)

	for {
		if l.stopped.Load() {
			return nil
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return errors.Annotate(err, "ioloop: epoll_wait: %w")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			if fd == l.stopFd {
				l.drainStopFd()
				l.stopped.Store(true)

				continue
			}

			l.dispatch(fd)
		}
	}
}

func (l *Loop) dispatch(fd int) {
	l.mu.Lock()
	sub, ok := l.subs[fd]
	l.mu.Unlock()

	if !ok {
		return
	}

	switch sub.Kind {
	case KindTimer, KindWake:
		l.drainEventFd(sub.fd)

		if sub.eventHandler != nil {
			sub.eventHandler(sub)
		}
	case KindDatagram:
		l.drainDatagrams(sub)
	}
}

// drainDatagrams reads until the socket would block, matching the
// edge-triggered draining contract (spec.md §4.1).
func (l *Loop) drainDatagrams(sub *Subscription) {
	for {
		n, src, ifIndex, err := sub.reader.ReadDatagram(l.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			// Transient I/O error (spec.md §7): stop draining this
			// readiness event; the next one will retry. The error is
			// not logged here.
			return
		}

		if sub.datagramHandler != nil {
			sub.datagramHandler(src, l.buf[:n], ifIndex)
		}
	}
}

// drainEventFd drains the 8-byte counter off a timerfd or eventfd. For a
// timer, the overrun count is swallowed per spec.md §4.1: a missed tick due
// to scheduling delay does not fire the handler more than once. For a wake
// source it is simply the eventfd's accumulated signal count.
func (l *Loop) drainEventFd(fd int) {
	var exp [8]byte
	_, _ = unix.Read(fd, exp[:])
}

func (l *Loop) drainStopFd() {
	var buf [8]byte
	_, _ = unix.Read(l.stopFd, buf[:])
}

// Stop requests the loop to exit after the current dispatch returns. It
// is safe to call from a signal handler (spec.md §4.1): it only writes to
// an eventfd, which is async-signal-safe.
func (l *Loop) Stop() {
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(l.stopFd, one[:])
}

// Close releases the epoll instance and the stop eventfd. It does not
// close registered sockets or timers; callers own those.
func (l *Loop) Close() error {
	var errs []error
	if l.stopFd != 0 {
		errs = append(errs, unix.Close(l.stopFd))
	}
	if l.epfd != 0 {
		errs = append(errs, unix.Close(l.epfd))
	}

	return errors.List("ioloop: closing", errs...)
}
