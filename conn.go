package pipeipc

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Connection is one live session over a data pipe. It owns the pipe stream
// exclusively: a background read loop turns inbound frames into
// OnReceiveMessage callbacks, and a background write loop drains the FIFO
// send queue onto the wire. All callbacks are delivered through the
// scheduler the connection was built with; OnDisconnected fires exactly once
// over the connection's lifetime, strictly after its last OnReceiveMessage.
type Connection[R, W any] struct {
	// ID is unique among connections of the owning server for its lifetime;
	// server-side ids are assigned from 1 in accept order, and the server
	// derives Name from the id at creation ("Client <id>"). A client-side
	// connection has ID 0 and the data pipe name as its Name. Neither changes.
	ID   int
	Name string

	// Event hooks. Set them before Open; they are read without a lock.
	OnReceiveMessage func(*Connection[R, W], R)
	OnDisconnected   func(*Connection[R, W])
	OnError          func(*Connection[R, W], error)

	pipe       net.Conn
	readCodec  Codec[R]
	writeCodec Codec[W]
	sched      Scheduler
	log        logrus.FieldLogger

	mu    sync.Mutex
	queue []W
	wake  *autoResetEvent

	connected atomic.Bool
	closeOnce sync.Once
	discOnce  sync.Once
}

func newConnection[R, W any](id int, name string, pipe net.Conn,
	rc Codec[R], wc Codec[W], sched Scheduler, log logrus.FieldLogger) *Connection[R, W] {
	c := &Connection[R, W]{
		ID:         id,
		Name:       name,
		pipe:       pipe,
		readCodec:  rc,
		writeCodec: wc,
		sched:      sched,
		log:        log.WithField("conn", name),
		wake:       newAutoResetEvent(),
	}
	c.connected.Store(true)
	return c
}

// Open starts the read and write loops. Call it once, after the event hooks
// are set.
func (c *Connection[R, W]) Open() {
	w := newWorker(c.sched)
	w.do(c.readLoop, c.onLoopDone, c.onLoopError)
	w.do(c.writeLoop, c.onLoopDone, c.onLoopError)
}

// IsConnected reports whether the pipe is still open. Once the connection
// closes it never becomes true again.
func (c *Connection[R, W]) IsConnected() bool {
	return c.connected.Load()
}

// PushMessage queues msg for delivery and wakes the write loop. It never
// blocks; messages queued after the connection closed are dropped. The queue
// is unbounded: a peer that stops reading makes it grow without limit.
func (c *Connection[R, W]) PushMessage(msg W) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.wake.set()
}

// Close closes the pipe stream and wakes the write loop so both loops can
// wind down. OnDisconnected follows once the first loop finishes.
func (c *Connection[R, W]) Close() {
	c.closeImpl()
}

func (c *Connection[R, W]) closeImpl() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		_ = c.pipe.Close()
		c.wake.set()
	})
}

// readLoop decodes frames until the stream ends. An undecodable payload is
// dropped and reported through OnError; the loop keeps running. Protocol and
// transport failures tear the connection down.
func (c *Connection[R, W]) readLoop() error {
	for c.IsConnected() {
		payload, err := readFrame(c.pipe)
		if err != nil {
			if err == io.EOF || isClosedConn(err) {
				c.closeImpl()
				return nil
			}
			c.closeImpl()
			return err
		}
		msg, err := c.readCodec.Decode(payload)
		if err != nil {
			c.log.WithError(err).Warn("dropping undecodable frame")
			c.postError(err)
			continue
		}
		c.postReceive(msg)
	}
	return nil
}

// writeLoop waits on the wake signal and drains the queue in FIFO order,
// draining each frame into the pipe before dequeuing the next.
func (c *Connection[R, W]) writeLoop() error {
	for {
		c.wake.wait(0)
		if !c.IsConnected() {
			return nil
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			payload, err := c.writeCodec.Encode(msg)
			if err != nil {
				c.log.WithError(err).Warn("dropping unencodable message")
				c.postError(err)
				continue
			}
			if err := writeFrame(c.pipe, payload); err != nil {
				if isClosedConn(err) {
					c.closeImpl()
					return nil
				}
				c.closeImpl()
				return errors.Wrap(err, "writing to pipe")
			}
		}
	}
}

// onLoopDone runs on the scheduler when either loop finishes cleanly. The
// first completion reports the disconnect; the second is swallowed.
func (c *Connection[R, W]) onLoopDone() {
	c.discOnce.Do(func() {
		if c.OnDisconnected != nil {
			c.OnDisconnected(c)
		}
	})
}

// onLoopError runs on the scheduler when a loop ends in error. The loop has
// already closed the pipe, so the disconnect is reported here as well.
func (c *Connection[R, W]) onLoopError(err error) {
	if c.OnError != nil {
		c.OnError(c, err)
	}
	c.onLoopDone()
}

func (c *Connection[R, W]) postReceive(msg R) {
	c.sched.Post(func() {
		if c.OnReceiveMessage != nil {
			c.OnReceiveMessage(c, msg)
		}
	})
}

func (c *Connection[R, W]) postError(err error) {
	c.sched.Post(func() {
		if c.OnError != nil {
			c.OnError(c, err)
		}
	})
}
