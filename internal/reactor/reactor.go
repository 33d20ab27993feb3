//go:build linux

// Package reactor implements a single-threaded epoll event loop with a
// dense descriptor table, a deferred-release queue drained once per
// pass, timerfd timers and a cross-goroutine notifier.
//
// Every method except Notifier.Post must be called from the goroutine
// running the loop.
package reactor

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Readiness bits as delivered to handlers. EventPeerClosed reports that
// the peer shut down its writing side.
const (
	EventRead       = uint32(unix.EPOLLIN)
	EventWrite      = uint32(unix.EPOLLOUT)
	EventError      = uint32(unix.EPOLLERR)
	EventHangup     = uint32(unix.EPOLLHUP)
	EventPeerClosed = uint32(unix.EPOLLRDHUP)
	EdgeTrigger     = uint32(unix.EPOLLET)
)

const (
	initialTableSize = 1024
	maxEvents        = 64
)

// Handler receives the accumulated readiness bits of one descriptor.
type Handler interface {
	HandleEvents(events uint32)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(events uint32)

// HandleEvents calls f(events).
func (f HandlerFunc) HandleEvents(events uint32) { f(events) }

// Kind tags what a descriptor is used for.
type Kind uint8

const (
	KindUnused Kind = iota
	KindEpoll
	KindNotifier
	KindSignal
	KindTimer
	KindListener
	KindSession
	KindData
	KindPassive
	KindFile
	KindPipe
	KindConsole
)

var kindNames = [...]string{
	KindUnused:   "unused",
	KindEpoll:    "epoll",
	KindNotifier: "notifier",
	KindSignal:   "signal",
	KindTimer:    "timer",
	KindListener: "ftp server",
	KindSession:  "ftp client",
	KindData:     "ftp data",
	KindPassive:  "ftp pasv server",
	KindFile:     "file",
	KindPipe:     "pipe",
	KindConsole:  "console",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Entry describes the owner of a descriptor.
type Entry struct {
	Kind    Kind
	Owner   interface{}
	Handler Handler
	// Live descriptors keep Run going.
	Live bool

	polled bool
	gen    uint32
}

// Descriptor is one row of the table dump.
type Descriptor struct {
	FD    int
	Kind  Kind
	Owner interface{}
	Live  bool
}

// ErrClosed is returned by operations on a closed loop.
var ErrClosed = errors.New("reactor: loop closed")

// Loop is the event loop. The zero value is not usable; call New.
type Loop struct {
	epfd    int
	table   []Entry
	gen     uint32
	live    int
	events  []unix.EpollEvent
	pending []func()
	timers  map[*Timer]struct{}
	closed  bool
}

// New creates the epoll instance backing the loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	l := &Loop{
		epfd:   epfd,
		table:  make([]Entry, initialTableSize),
		events: make([]unix.EpollEvent, maxEvents),
		timers: make(map[*Timer]struct{}),
	}
	l.set(epfd, Entry{Kind: KindEpoll, Owner: l})
	return l, nil
}

func (l *Loop) set(fd int, e Entry) {
	if fd >= len(l.table) {
		size := len(l.table) * 2
		for size <= fd {
			size *= 2
		}
		table := make([]Entry, size)
		copy(table, l.table)
		l.table = table
	}
	l.gen++
	e.gen = l.gen
	l.table[fd] = e
	if e.Live {
		l.live++
	}
}

// Register adds fd to epoll with the given interest and records e.
func (l *Loop) Register(fd int, events uint32, e Entry) error {
	if l.closed {
		return ErrClosed
	}
	if fd < 0 {
		return unix.EBADF
	}
	if fd < len(l.table) && l.table[fd].Kind != KindUnused {
		return fmt.Errorf("reactor: fd %d already registered as %s", fd, l.table[fd].Kind)
	}
	e.polled = true
	l.set(fd, e)
	ev := unix.EpollEvent{Events: events, Fd: int32(fd), Pad: int32(l.table[fd].gen)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		l.clear(fd)
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Track records fd in the table without polling it. Regular files are
// tracked since epoll refuses them.
func (l *Loop) Track(fd int, e Entry) error {
	if fd < 0 {
		return unix.EBADF
	}
	if fd < len(l.table) && l.table[fd].Kind != KindUnused {
		return fmt.Errorf("reactor: fd %d already registered as %s", fd, l.table[fd].Kind)
	}
	e.polled = false
	l.set(fd, e)
	return nil
}

// Modify changes the interest set of a registered descriptor, adding
// it to epoll if it was only tracked. The handler may be replaced.
func (l *Loop) Modify(fd int, events uint32, h Handler) error {
	if fd < 0 || fd >= len(l.table) || l.table[fd].Kind == KindUnused {
		return unix.EBADF
	}
	e := &l.table[fd]
	if h != nil {
		e.Handler = h
	}
	op := unix.EPOLL_CTL_MOD
	if !e.polled {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd), Pad: int32(e.gen)}
	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	e.polled = true
	return nil
}

// Unregister removes fd from epoll and the table. The caller still owns
// and closes the descriptor.
func (l *Loop) Unregister(fd int) error {
	if fd < 0 || fd >= len(l.table) || l.table[fd].Kind == KindUnused {
		return nil
	}
	var err error
	if l.table[fd].polled && !l.closed {
		if err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			err = fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
		}
	}
	l.clear(fd)
	return err
}

func (l *Loop) clear(fd int) {
	if l.table[fd].Live {
		l.live--
	}
	l.table[fd] = Entry{}
}

// Lookup returns the entry of fd.
func (l *Loop) Lookup(fd int) (Entry, bool) {
	if fd < 0 || fd >= len(l.table) || l.table[fd].Kind == KindUnused {
		return Entry{}, false
	}
	return l.table[fd], true
}

// Descriptors lists every used descriptor in ascending order.
func (l *Loop) Descriptors() []Descriptor {
	var out []Descriptor
	for fd, e := range l.table {
		if e.Kind != KindUnused {
			out = append(out, Descriptor{FD: fd, Kind: e.Kind, Owner: e.Owner, Live: e.Live})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FD < out[j].FD })
	return out
}

// Live is the number of descriptors keeping the loop running.
func (l *Loop) Live() int { return l.live }

// Defer queues fn to run after every event of the current pass has been
// dispatched. Outside a pass fn runs at the end of the next one.
func (l *Loop) Defer(fn func()) {
	l.pending = append(l.pending, fn)
}

// Poll runs one pass: wait up to timeout milliseconds (-1 blocks),
// dispatch the ready events, then drain the deferred queue.
func (l *Loop) Poll(timeout int) error {
	if l.closed {
		return ErrClosed
	}
	n, err := unix.EpollWait(l.epfd, l.events, timeout)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := l.events[i]
		fd := int(ev.Fd)
		if fd < 0 || fd >= len(l.table) {
			continue
		}
		e := l.table[fd]
		// A stale event for a descriptor closed earlier in this pass.
		if e.Kind == KindUnused || e.gen != uint32(ev.Pad) || e.Handler == nil {
			continue
		}
		e.Handler.HandleEvents(ev.Events)
	}
	l.drain()
	return nil
}

func (l *Loop) drain() {
	for len(l.pending) > 0 {
		pending := l.pending
		l.pending = nil
		for _, fn := range pending {
			fn()
		}
	}
}

// Run polls until no live descriptor remains or the loop is closed.
func (l *Loop) Run() error {
	for !l.closed && l.live > 0 {
		if err := l.Poll(-1); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the epoll descriptor. Registered descriptors are not
// closed.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.drain()
	l.table[l.epfd] = Entry{}
	return unix.Close(l.epfd)
}
