package ioloop

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// pairReader adapts one end of a UNIX datagram socketpair to the Reader
// interface for exercising Loop.Register without needing a real network
// socket.
type pairReader struct {
	fd int
}

func (p *pairReader) Fd() int { return p.fd }

func (p *pairReader) ReadDatagram(buf []byte) (n int, src Addr, ifIndex int, err error) {
	n, err = unix.Read(p.fd, buf)

	return n, Addr{}, 0, err
}

func newSocketpair(t *testing.T) (a, b *pairReader) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %s", err)
	}

	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	return &pairReader{fd: fds[0]}, &pairReader{fd: fds[1]}
}

func TestLoopDispatchesDatagram(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	defer l.Close()

	a, b := newSocketpair(t)

	received := make(chan string, 1)
	if _, err = l.Register(a, func(_ Addr, buf []byte, _ int) {
		received <- string(buf)
	}); err != nil {
		t.Fatalf("Register: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	if _, err = unix.Write(b.fd, []byte("hello")); err != nil {
		t.Fatalf("write: %s", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram dispatch")
	}

	l.Stop()
}

func TestLoopRegisterTimerFires(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	defer l.Close()

	fired := make(chan int, 1)
	_, err = l.RegisterTimer(10*time.Millisecond, func(sub *Subscription) {
		fired <- sub.UserData.(int)
	}, 42)
	if err != nil {
		t.Fatalf("RegisterTimer: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	select {
	case got := <-fired:
		if got != 42 {
			t.Fatalf("got UserData %d, want 42", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timer")
	}

	l.Stop()
}

func TestLoopRegisterWakeFiresOnLoopGoroutine(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	defer l.Close()

	woken := make(chan struct{}, 1)
	sub, err := l.RegisterWake(func(*Subscription) {
		woken <- struct{}{}
	})
	if err != nil {
		t.Fatalf("RegisterWake: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	Wake(sub)

	select {
	case <-woken:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wake handler")
	}

	l.Stop()
}

func TestLoopDuplicateRegisterRejected(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	defer l.Close()

	a, _ := newSocketpair(t)

	if _, err = l.Register(a, nil); err != nil {
		t.Fatalf("first Register: %s", err)
	}

	if _, err = l.Register(a, nil); err == nil {
		t.Fatal("expected an error registering the same fd twice")
	}
}
