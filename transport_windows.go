//go:build windows
// +build windows

package pipeipc

import (
	"context"
	"net"
	"sync"
	"time"

	winio "github.com/Microsoft/go-winio"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const pipePrefix = `\\.\pipe\`

// windowsFactory maps pipe names onto the NPFS namespace via go-winio.
type windowsFactory struct {
	cfg PipeConfig
}

func newPlatformFactory(cfg *PipeConfig) PipeFactory {
	return &windowsFactory{cfg: *cfg}
}

func (f *windowsFactory) path(name string) string {
	return pipePrefix + name
}

func (f *windowsFactory) Listen(name string) (PipeListener, error) {
	l, err := winio.ListenPipe(f.path(name), &winio.PipeConfig{
		SecurityDescriptor: f.cfg.SecurityDescriptor,
		InputBufferSize:    f.cfg.InputBufferSize,
		OutputBufferSize:   f.cfg.OutputBufferSize,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listening on pipe %s", name)
	}
	return &windowsListener{l: l, name: name}, nil
}

func (f *windowsFactory) Exists(name string) bool {
	path16, err := windows.UTF16PtrFromString(f.path(name))
	if err != nil {
		return false
	}
	err = windows.WaitNamedPipe(path16, 1)
	// ERROR_SEM_TIMEOUT and ERROR_PIPE_BUSY both mean the name exists but
	// no instance is currently free to connect.
	return err == nil ||
		err == windows.ERROR_SEM_TIMEOUT ||
		err == windows.ERROR_PIPE_BUSY
}

func (f *windowsFactory) Dial(ctx context.Context, name string, pollInterval time.Duration) (net.Conn, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	path := f.path(name)
	timeout := defaultDialTimeout
	for {
		c, err := winio.DialPipe(path, &timeout)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, winio.ErrTimeout) {
			return nil, ErrConnectTimeout
		}
		if !errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return nil, errors.Wrapf(err, "dialing pipe %s", name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

type windowsListener struct {
	l    net.Listener
	name string

	mu     sync.Mutex
	closed bool
}

func (l *windowsListener) AcceptOne() (net.Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		if errors.Is(err, winio.ErrPipeListenerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, errors.Wrapf(err, "accepting on pipe %s", l.name)
	}
	_ = l.Close()
	return c, nil
}

func (l *windowsListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.l.Close()
}
