package pipeipc

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

const (
	// defaultPollInterval is how often a dialing client probes for the pipe
	// name to appear.
	defaultPollInterval = 10 * time.Millisecond

	// defaultDialTimeout bounds the connect attempt once the name exists.
	defaultDialTimeout = time.Second
)

// PipeConfig carries transport-level options. All fields are optional.
type PipeConfig struct {
	// SecurityDescriptor is a Windows security descriptor in SDDL format,
	// forwarded opaquely to the pipe. Ignored on other platforms.
	SecurityDescriptor string

	// InputBufferSize and OutputBufferSize size the OS pipe buffers, in
	// bytes. Zero selects the platform default. Ignored where the platform
	// does not expose them.
	InputBufferSize  int32
	OutputBufferSize int32

	// Dir overrides the directory pipe endpoints are created in on Unix
	// platforms, where names map to socket files. Defaults to os.TempDir().
	Dir string
}

// PipeFactory creates named pipe endpoints. Names are scoped to the local
// host; how a name maps onto the OS namespace is the factory's concern.
type PipeFactory interface {
	// Listen creates a server endpoint for name without waiting for a
	// client. The name becomes visible to Exists once Listen returns.
	Listen(name string) (PipeListener, error)

	// Exists is a non-blocking probe for whether name currently has a
	// server endpoint.
	Exists(name string) bool

	// Dial polls Exists every pollInterval until the name appears (or ctx
	// is done), then opens a duplex client endpoint with a bounded connect
	// timeout. pollInterval <= 0 selects the default of 10ms.
	Dial(ctx context.Context, name string, pollInterval time.Duration) (net.Conn, error)
}

// PipeListener is a server endpoint that serves exactly one client.
type PipeListener interface {
	// AcceptOne blocks until one client connects, then retires the endpoint
	// name so later dials rendezvous with a fresh instance.
	AcceptOne() (net.Conn, error)

	// Close retires the endpoint and unblocks a pending AcceptOne with
	// ErrListenerClosed. It is idempotent.
	Close() error
}

// DefaultFactory returns the pipe factory for the current platform: Windows
// named pipes on Windows, Unix domain sockets elsewhere.
func DefaultFactory(cfg *PipeConfig) PipeFactory {
	if cfg == nil {
		cfg = &PipeConfig{}
	}
	return newPlatformFactory(cfg)
}

// isClosedConn reports whether err is the result of I/O on an endpoint this
// process already closed.
func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
