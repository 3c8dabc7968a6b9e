//go:build !windows
// +build !windows

package pipeipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// unixFactory maps pipe names onto Unix domain socket files in a directory.
// The socket file doubles as the existence probe: it appears on Listen and is
// unlinked when the endpoint retires.
type unixFactory struct {
	dir string
}

func newPlatformFactory(cfg *PipeConfig) PipeFactory {
	dir := cfg.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return &unixFactory{dir: dir}
}

func (f *unixFactory) path(name string) string {
	return filepath.Join(f.dir, name+".pipe")
}

func (f *unixFactory) Listen(name string) (PipeListener, error) {
	path := f.path(name)
	// A socket file left behind by a dead process would make Listen fail
	// with EADDRINUSE forever.
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on pipe %s", name)
	}
	return &unixListener{l: l, name: name}, nil
}

func (f *unixFactory) Exists(name string) bool {
	_, err := os.Stat(f.path(name))
	return err == nil
}

func (f *unixFactory) Dial(ctx context.Context, name string, pollInterval time.Duration) (net.Conn, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	d := net.Dialer{Timeout: defaultDialTimeout}
	for {
		if f.Exists(name) {
			c, err := d.DialContext(ctx, "unix", f.path(name))
			if err == nil {
				return c, nil
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil, ErrConnectTimeout
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The endpoint can be retired between the probe and the
			// connect when another client wins the rendezvous. Keep
			// polling for the next instance.
			if !errors.Is(err, syscall.ENOENT) && !errors.Is(err, syscall.ECONNREFUSED) {
				return nil, errors.Wrapf(err, "dialing pipe %s", name)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

type unixListener struct {
	l    net.Listener
	name string

	mu     sync.Mutex
	closed bool
}

func (l *unixListener) AcceptOne() (net.Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		if isClosedConn(err) {
			return nil, ErrListenerClosed
		}
		return nil, errors.Wrapf(err, "accepting on pipe %s", l.name)
	}
	// Retire the name. Closing the listener unlinks the socket file, so the
	// next Exists probe sees a fresh namespace.
	_ = l.Close()
	return c, nil
}

func (l *unixListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.l.Close()
}
