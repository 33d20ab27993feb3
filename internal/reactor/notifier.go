//go:build linux

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Notifier lets other goroutines hand work to the loop goroutine. It
// is backed by an eventfd that does not count toward liveness.
type Notifier struct {
	loop *Loop
	fd   int

	mu     sync.Mutex
	queue  []func()
	closed bool
}

// NewNotifier registers an eventfd with the loop.
func (l *Loop) NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	n := &Notifier{loop: l, fd: fd}
	if err := l.Register(fd, EventRead, Entry{Kind: KindNotifier, Owner: n, Handler: n}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return n, nil
}

// Post queues fn for the loop goroutine. It is safe for concurrent use
// and reports false once the notifier is closed.
func (n *Notifier) Post(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.queue = append(n.queue, fn)
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		if _, err := unix.Write(n.fd, buf[:]); err != unix.EINTR {
			break
		}
	}
	return true
}

// HandleEvents resets the counter and runs the queued functions.
func (n *Notifier) HandleEvents(events uint32) {
	var buf [8]byte
	for {
		if _, err := unix.Read(n.fd, buf[:]); err != unix.EINTR {
			break
		}
	}
	n.mu.Lock()
	queue := n.queue
	n.queue = nil
	n.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

// Close unregisters and closes the eventfd. Later Posts are dropped.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	n.queue = nil
	err := n.loop.Unregister(n.fd)
	if cerr := unix.Close(n.fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
