//go:build linux

package reactor

import (
	"os"
	"os/signal"
	"sync"
)

// SignalWatcher delivers process signals to a callback on the loop
// goroutine.
type SignalWatcher struct {
	notifier *Notifier
	ch       chan os.Signal
	done     chan struct{}
	once     sync.Once
}

// WatchSignals starts forwarding sigs to fn. The watcher does not keep
// the loop alive.
func (l *Loop) WatchSignals(fn func(os.Signal), sigs ...os.Signal) (*SignalWatcher, error) {
	n, err := l.NewNotifier()
	if err != nil {
		return nil, err
	}
	w := &SignalWatcher{
		notifier: n,
		ch:       make(chan os.Signal, 4),
		done:     make(chan struct{}),
	}
	l.table[n.fd].Kind = KindSignal
	l.table[n.fd].Owner = w
	signal.Notify(w.ch, sigs...)
	go func() {
		for {
			select {
			case sig := <-w.ch:
				n.Post(func() { fn(sig) })
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

// Stop restores default signal handling and closes the watcher.
func (w *SignalWatcher) Stop() error {
	var err error
	w.once.Do(func() {
		signal.Stop(w.ch)
		close(w.done)
		err = w.notifier.Close()
	})
	return err
}
