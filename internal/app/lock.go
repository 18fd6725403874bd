package app

import (
	"errors"
	"fmt"
	"os"
	"time"
)

var ErrLocked = errors.New("another writer is active")

// Lock is an exclusive lock file. The holder refreshes its mtime; a lock
// older than the TTL is considered abandoned and taken over.
type Lock struct {
	path string
	stop chan struct{}
	done chan struct{}
}

func AcquireLock(path string, ttl time.Duration) (*Lock, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, `{"pid":%d,"time":%d}`+"\n", os.Getpid(), time.Now().Unix())
			_ = f.Close()
			l := &Lock{path: path, stop: make(chan struct{}), done: make(chan struct{})}
			go l.heartbeat(ttl / 3)
			return l, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if time.Since(fi.ModTime()) >= ttl {
			_ = os.Remove(path)
			continue
		}
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
}

func (l *Lock) heartbeat(every time.Duration) {
	defer close(l.done)
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

func (l *Lock) Release() error {
	close(l.stop)
	<-l.done
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
