//go:build linux

package network

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// bridgeLock serializes bridge create/remove across goroutines and, when
// dir is set, across processes sharing the same lock directory.
type bridgeLock struct {
	dir string
	mu  sync.Mutex
}

func (l *bridgeLock) lock(bridge string) (func(), error) {
	l.mu.Lock()
	if l.dir == "" {
		return l.mu.Unlock, nil
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(l.dir, bridge+".lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		l.mu.Unlock()
		return nil, err
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		l.mu.Unlock()
	}, nil
}
