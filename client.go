package pipeipc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ClientConfig carries optional knobs for NewClient. Nil fields select the
// same defaults as ServerConfig.
type ClientConfig[R, W any] struct {
	Pipe       PipeConfig
	Factory    PipeFactory
	ReadCodec  Codec[R]
	WriteCodec Codec[W]
	Scheduler  Scheduler
	Logger     logrus.FieldLogger
}

// Client connects to a server's well-known pipe name, follows the handshake
// redirect onto its private data pipe, and exchanges messages over a single
// Connection. R is the inbound message type, W the outbound.
type Client[R, W any] struct {
	// AutoReconnect makes the client start a fresh connection attempt after
	// a disconnect it did not initiate, waiting AutoReconnectDelay first.
	AutoReconnect      bool
	AutoReconnectDelay time.Duration

	// Event hooks. Set them before Start; they are delivered on the
	// client's scheduler.
	OnServerMessage func(*Connection[R, W], R)
	OnDisconnected  func(*Connection[R, W])
	OnError         func(error)

	pipeName   string
	factory    PipeFactory
	readCodec  Codec[R]
	writeCodec Codec[W]
	sched      Scheduler
	log        logrus.FieldLogger

	mu         sync.Mutex
	conn       *Connection[R, W]
	dialCancel context.CancelFunc

	connected    *autoResetEvent
	disconnected *autoResetEvent

	closedExplicitly atomic.Bool
}

// NewClient returns a client for the given well-known pipe name.
// AutoReconnect defaults to true with no delay.
func NewClient[R, W any](pipeName string, cfg *ClientConfig[R, W]) *Client[R, W] {
	if cfg == nil {
		cfg = &ClientConfig[R, W]{}
	}
	c := &Client[R, W]{
		AutoReconnect: true,
		pipeName:      pipeName,
		factory:       cfg.Factory,
		readCodec:     cfg.ReadCodec,
		writeCodec:    cfg.WriteCodec,
		sched:         cfg.Scheduler,
		log:           cfg.Logger,
		connected:     newAutoResetEvent(),
		disconnected:  newAutoResetEvent(),
	}
	if c.factory == nil {
		c.factory = DefaultFactory(&cfg.Pipe)
	}
	if c.readCodec == nil {
		c.readCodec = GobCodec[R]{}
	}
	if c.writeCodec == nil {
		c.writeCodec = GobCodec[W]{}
	}
	if c.sched == nil {
		c.sched = NewSerialScheduler()
	}
	if c.log == nil {
		c.log = discardLogger()
	}
	c.log = c.log.WithField("pipe", pipeName)
	return c
}

// Start begins connecting on a background worker and returns immediately.
// The worker waits for the well-known pipe name to appear, so Start before
// the server is up is fine.
func (c *Client[R, W]) Start() {
	c.closedExplicitly.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.dialCancel != nil {
		c.dialCancel()
	}
	c.dialCancel = cancel
	c.mu.Unlock()

	newWorker(c.sched).do(func() error { return c.listen(ctx) }, func() {}, func(err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		if c.OnError != nil {
			c.OnError(err)
		}
	})
}

// listen runs the client half of the handshake: read the private pipe name
// off the well-known pipe, rendezvous on it, and wrap it in a Connection.
func (c *Client[R, W]) listen(ctx context.Context) error {
	hc, err := c.factory.Dial(ctx, c.pipeName, 0)
	if err != nil {
		return errors.Wrap(err, "connecting handshake pipe")
	}
	payload, err := readFrame(hc)
	_ = hc.Close()
	if err != nil {
		return errors.Wrap(err, "reading data pipe name")
	}
	dataName := string(payload)

	dc, err := c.factory.Dial(ctx, dataName, 0)
	if err != nil {
		return errors.Wrap(err, "connecting data pipe")
	}

	conn := newConnection(0, dataName, dc, c.readCodec, c.writeCodec, c.sched, c.log)
	conn.OnReceiveMessage = func(cn *Connection[R, W], msg R) {
		if c.OnServerMessage != nil {
			c.OnServerMessage(cn, msg)
		}
	}
	conn.OnDisconnected = c.serverDisconnected
	conn.OnError = func(_ *Connection[R, W], err error) {
		if c.OnError != nil {
			c.OnError(err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.Open()
	c.log.WithField("conn", dataName).Debug("connected")
	c.connected.set()
	return nil
}

// serverDisconnected runs on the scheduler when the connection winds down.
// One reconnect attempt is scheduled when AutoReconnect is set and the close
// was not explicit.
func (c *Client[R, W]) serverDisconnected(conn *Connection[R, W]) {
	if c.OnDisconnected != nil {
		c.OnDisconnected(conn)
	}
	c.disconnected.set()
	if c.AutoReconnect && !c.closedExplicitly.Load() {
		delay := c.AutoReconnectDelay
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			if !c.closedExplicitly.Load() {
				c.log.Debug("reconnecting")
				c.Start()
			}
		}()
	}
}

// PushMessage queues msg on the current connection. Without one it is a
// no-op.
func (c *Client[R, W]) PushMessage(msg W) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.PushMessage(msg)
	}
}

// IsConnected reports whether the client currently holds an open connection.
func (c *Client[R, W]) IsConnected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

// Stop disconnects and suppresses reconnecting. An in-flight handshake is
// abandoned.
func (c *Client[R, W]) Stop() {
	c.closedExplicitly.Store(true)
	c.mu.Lock()
	cancel := c.dialCancel
	conn := c.conn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// WaitForConnection blocks until the next connection is established. A
// timeout <= 0 waits forever; ErrWaitTimeout reports that the timeout
// elapsed first.
func (c *Client[R, W]) WaitForConnection(timeout time.Duration) error {
	if !c.connected.wait(timeout) {
		return ErrWaitTimeout
	}
	return nil
}

// WaitForDisconnection blocks until the next disconnect, with the same
// timeout semantics as WaitForConnection.
func (c *Client[R, W]) WaitForDisconnection(timeout time.Duration) error {
	if !c.disconnected.wait(timeout) {
		return ErrWaitTimeout
	}
	return nil
}
