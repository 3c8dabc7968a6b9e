package pipeipc

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// shutdownWait bounds each leg of the dummy-client round-trip Stop uses to
// unblock a parked listener.
const shutdownWait = 2 * time.Second

// ServerConfig carries optional knobs for NewServer. A nil config and nil
// fields select defaults: the platform pipe factory, the gob codec in both
// directions, a serial scheduler, and a silent logger.
type ServerConfig[R, W any] struct {
	Pipe       PipeConfig
	Factory    PipeFactory
	ReadCodec  Codec[R]
	WriteCodec Codec[W]
	Scheduler  Scheduler
	Logger     logrus.FieldLogger
}

// Server accepts any number of clients on one well-known pipe name. Each
// accept runs a two-stage handshake: the server writes a freshly allocated
// per-connection pipe name onto the well-known pipe and closes it, then both
// sides rendezvous on that private pipe for the data phase. R is the inbound
// message type, W the outbound.
type Server[R, W any] struct {
	// Event hooks. Set them before Start; they are delivered on the
	// server's scheduler.
	OnClientConnected    func(*Connection[R, W])
	OnClientDisconnected func(*Connection[R, W])
	OnClientMessage      func(*Connection[R, W], R)
	OnError              func(error)

	pipeName   string
	factory    PipeFactory
	readCodec  Codec[R]
	writeCodec Codec[W]
	sched      Scheduler
	log        logrus.FieldLogger

	mu         sync.Mutex
	conns      map[int]*Connection[R, W]
	nextPipeID int

	shouldRun atomic.Bool
	running   atomic.Bool
}

// NewServer returns a server for the well-known pipe name. Connection ids
// and per-connection pipe names ("<name>_<n>") are allocated from the same
// counter, starting at 1, and are never reused within the server's lifetime.
func NewServer[R, W any](pipeName string, cfg *ServerConfig[R, W]) *Server[R, W] {
	if cfg == nil {
		cfg = &ServerConfig[R, W]{}
	}
	s := &Server[R, W]{
		pipeName:   pipeName,
		factory:    cfg.Factory,
		readCodec:  cfg.ReadCodec,
		writeCodec: cfg.WriteCodec,
		sched:      cfg.Scheduler,
		log:        cfg.Logger,
		conns:      make(map[int]*Connection[R, W]),
	}
	if s.factory == nil {
		s.factory = DefaultFactory(&cfg.Pipe)
	}
	if s.readCodec == nil {
		s.readCodec = GobCodec[R]{}
	}
	if s.writeCodec == nil {
		s.writeCodec = GobCodec[W]{}
	}
	if s.sched == nil {
		s.sched = NewSerialScheduler()
	}
	if s.log == nil {
		s.log = discardLogger()
	}
	s.log = s.log.WithField("pipe", pipeName)
	return s
}

// Start begins accepting clients on a background listener. It returns
// immediately.
func (s *Server[R, W]) Start() {
	s.shouldRun.Store(true)
	newWorker(s.sched).do(s.listen, func() {}, func(err error) {
		if s.OnError != nil {
			s.OnError(err)
		}
	})
}

func (s *Server[R, W]) listen() error {
	s.running.Store(true)
	defer s.running.Store(false)
	for s.shouldRun.Load() {
		s.waitForConnection()
	}
	return nil
}

// waitForConnection performs one accept: allocate the per-connection name,
// serve one handshake on the well-known pipe, rendezvous on the private
// pipe, and hand the result to a Connection. Failures are logged, both
// endpoints are released, and the listener resumes.
func (s *Server[R, W]) waitForConnection() {
	s.mu.Lock()
	s.nextPipeID++
	id := s.nextPipeID
	s.mu.Unlock()
	dataName := fmt.Sprintf("%s_%d", s.pipeName, id)

	handshake, err := s.factory.Listen(s.pipeName)
	if err != nil {
		s.acceptFailed(errors.Wrap(err, "creating handshake pipe"), nil, nil)
		return
	}
	hc, err := handshake.AcceptOne()
	if err != nil {
		s.acceptFailed(errors.Wrap(err, "awaiting handshake"), handshake, nil)
		return
	}
	err = writeFrame(hc, []byte(dataName))
	_ = hc.Close()
	if err != nil {
		s.acceptFailed(errors.Wrap(err, "redirecting client"), handshake, nil)
		return
	}

	data, err := s.factory.Listen(dataName)
	if err != nil {
		s.acceptFailed(errors.Wrap(err, "creating data pipe"), handshake, nil)
		return
	}
	dc, err := data.AcceptOne()
	if err != nil {
		s.acceptFailed(errors.Wrap(err, "awaiting data pipe"), handshake, data)
		return
	}

	conn := newConnection(id, fmt.Sprintf("Client %d", id), dc,
		s.readCodec, s.writeCodec, s.sched, s.log)
	conn.OnReceiveMessage = func(c *Connection[R, W], msg R) {
		if s.OnClientMessage != nil {
			s.OnClientMessage(c, msg)
		}
	}
	conn.OnDisconnected = s.clientDisconnected
	conn.OnError = func(_ *Connection[R, W], err error) {
		if s.OnError != nil {
			s.OnError(err)
		}
	}

	// Register before the loops start, so a disconnect reported right away
	// cannot run ahead of the insert and leave a stale entry.
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
	conn.Open()

	s.log.WithField("conn", conn.Name).Debug("client connected")
	s.sched.Post(func() {
		if s.OnClientConnected != nil {
			s.OnClientConnected(conn)
		}
	})
}

// acceptFailed releases whatever endpoints the failed accept had opened and
// reports a partial disconnect, then lets the listener resume. A listener
// deliberately closed out from under us is not an accept failure.
func (s *Server[R, W]) acceptFailed(err error, handshake, data PipeListener) {
	if handshake != nil {
		_ = handshake.Close()
	}
	if data != nil {
		_ = data.Close()
	}
	if errors.Is(err, ErrListenerClosed) {
		return
	}
	s.log.WithError(err).Error("accepting client failed")
	s.sched.Post(func() {
		if s.OnClientDisconnected != nil {
			s.OnClientDisconnected(nil)
		}
	})
}

// clientDisconnected runs on the scheduler when a connection's loops wind
// down. The registry holds a connection iff its loops are running.
func (s *Server[R, W]) clientDisconnected(conn *Connection[R, W]) {
	s.mu.Lock()
	delete(s.conns, conn.ID)
	s.mu.Unlock()
	s.log.WithField("conn", conn.Name).Debug("client disconnected")
	if s.OnClientDisconnected != nil {
		s.OnClientDisconnected(conn)
	}
}

// PushMessage broadcasts msg to every live connection.
func (s *Server[R, W]) PushMessage(msg W) {
	for _, c := range s.snapshot() {
		c.PushMessage(msg)
	}
}

// PushMessageTo delivers msg to the connections with the given ids.
func (s *Server[R, W]) PushMessageTo(msg W, ids ...int) {
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, c := range s.snapshot() {
		if want[c.ID] {
			c.PushMessage(msg)
		}
	}
}

// PushMessageToName delivers msg to the connections with the given names.
func (s *Server[R, W]) PushMessageToName(msg W, names ...string) {
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}
	for _, c := range s.snapshot() {
		if want[c.Name] {
			c.PushMessage(msg)
		}
	}
}

// ConnectionCount reports the number of live connections.
func (s *Server[R, W]) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server[R, W]) snapshot() []*Connection[R, W] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection[R, W], 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Stop shuts the server down: no further accepts are scheduled, every live
// connection is closed, and a throwaway client is run through one handshake
// to wake a listener parked on the well-known pipe. The flag alone cannot
// interrupt it; it has to be woken by an actual client.
func (s *Server[R, W]) Stop() {
	s.shouldRun.Store(false)
	for _, c := range s.snapshot() {
		c.Close()
	}

	if !s.running.Load() {
		return
	}
	dummy := NewClient[W, R](s.pipeName, &ClientConfig[W, R]{
		Factory:    s.factory,
		ReadCodec:  s.writeCodec,
		WriteCodec: s.readCodec,
	})
	dummy.AutoReconnect = false
	dummy.Start()
	if dummy.WaitForConnection(shutdownWait) == nil {
		dummy.Stop()
		_ = dummy.WaitForDisconnection(shutdownWait)
	} else {
		dummy.Stop()
	}

	// A real client can win the final handshake against the dummy. Sweep
	// whatever the listener accepted while shutting down so the registry
	// drains either way.
	for _, c := range s.snapshot() {
		c.Close()
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
