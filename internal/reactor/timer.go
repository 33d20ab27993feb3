//go:build linux

package reactor

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// Timer is a timerfd driven by the loop. A timer with a zero interval
// fires once and then closes itself.
type Timer struct {
	loop     *Loop
	fd       int
	interval time.Duration
	fn       func(*Timer)
	closed   bool
}

// AddTimer arms a timer that first fires after value and then every
// interval. live decides whether the timer keeps Run going.
func (l *Loop) AddTimer(value, interval time.Duration, live bool, fn func(*Timer)) (*Timer, error) {
	if value <= 0 {
		// A zero it_value disarms a timerfd.
		value = time.Nanosecond
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(value.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("timerfd_settime: %w", err)
	}
	t := &Timer{loop: l, fd: fd, interval: interval, fn: fn}
	if err := l.Register(fd, EventRead|EdgeTrigger, Entry{Kind: KindTimer, Owner: t, Handler: t, Live: live}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	l.timers[t] = struct{}{}
	return t, nil
}

// FD returns the timer descriptor.
func (t *Timer) FD() int { return t.fd }

// HandleEvents drains the expiration counter and runs the callback.
func (t *Timer) HandleEvents(events uint32) {
	if t.closed || events&EventRead == 0 {
		return
	}
	var buf [8]byte
	var expirations uint64
	for {
		n, err := unix.Read(t.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n != len(buf) {
			break
		}
		expirations += binary.NativeEndian.Uint64(buf[:])
	}
	if expirations == 0 {
		return
	}
	if t.interval == 0 {
		t.Close()
	}
	if t.fn != nil {
		t.fn(t)
	}
}

// Close cancels the timer. Closing twice is a no-op.
func (t *Timer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	delete(t.loop.timers, t)
	err := t.loop.Unregister(t.fd)
	if cerr := unix.Close(t.fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Closed reports whether the timer fired (one-shot) or was cancelled.
func (t *Timer) Closed() bool { return t.closed }

// CloseTimers cancels every outstanding timer.
func (l *Loop) CloseTimers() error {
	var errs *multierror.Error
	for t := range l.timers {
		if err := t.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Timers is the number of outstanding timers.
func (l *Loop) Timers() int { return len(l.timers) }
