package pipeipc

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connPair(t *testing.T) (*Connection[string, string], *Connection[string, string]) {
	t.Helper()
	a, b := net.Pipe()
	log := discardLogger()
	c1 := newConnection[string, string](1, "Client 1", a,
		GobCodec[string]{}, GobCodec[string]{}, NewSerialScheduler(), log)
	c2 := newConnection[string, string](2, "Client 2", b,
		GobCodec[string]{}, GobCodec[string]{}, NewSerialScheduler(), log)
	return c1, c2
}

func TestConnectionDeliversInOrder(t *testing.T) {
	c1, c2 := connPair(t)
	const n = 50

	got := make(chan string, n)
	c2.OnReceiveMessage = func(_ *Connection[string, string], msg string) { got <- msg }
	c1.Open()
	c2.Open()
	defer c1.Close()
	defer c2.Close()

	for i := 0; i < n; i++ {
		c1.PushMessage(fmt.Sprintf("msg-%d", i))
	}
	for i := 0; i < n; i++ {
		select {
		case msg := <-got:
			assert.Equal(t, fmt.Sprintf("msg-%d", i), msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestConnectionDisconnectFiresExactlyOnce(t *testing.T) {
	c1, c2 := connPair(t)

	var d1, d2 atomic.Int32
	done := make(chan struct{}, 2)
	c1.OnDisconnected = func(*Connection[string, string]) {
		d1.Add(1)
		done <- struct{}{}
	}
	c2.OnDisconnected = func(*Connection[string, string]) {
		d2.Add(1)
		done <- struct{}{}
	}
	c1.Open()
	c2.Open()

	require.True(t, c1.IsConnected())
	c1.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("disconnect never reported")
		}
	}
	// give a duplicate a chance to show up
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), d1.Load())
	assert.Equal(t, int32(1), d2.Load())
	assert.False(t, c1.IsConnected())
	assert.False(t, c2.IsConnected())
}

func TestConnectionDisconnectAfterLastMessage(t *testing.T) {
	c1, c2 := connPair(t)

	events := make(chan string, 16)
	c2.OnReceiveMessage = func(_ *Connection[string, string], msg string) { events <- "msg:" + msg }
	c2.OnDisconnected = func(*Connection[string, string]) { events <- "disconnected" }
	c1.Open()
	c2.Open()
	defer c1.Close()

	c1.PushMessage("one")
	c1.PushMessage("two")

	require.Equal(t, "msg:one", <-events)
	require.Equal(t, "msg:two", <-events)
	c1.Close()
	select {
	case ev := <-events:
		assert.Equal(t, "disconnected", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect never reported")
	}
}

func TestConnectionDropsUndecodableFrame(t *testing.T) {
	a, b := net.Pipe()
	log := discardLogger()
	c2 := newConnection[string, string](2, "Client 2", b,
		GobCodec[string]{}, GobCodec[string]{}, NewSerialScheduler(), log)

	msgs := make(chan string, 1)
	errs := make(chan error, 1)
	c2.OnReceiveMessage = func(_ *Connection[string, string], msg string) { msgs <- msg }
	c2.OnError = func(_ *Connection[string, string], err error) { errs <- err }
	c2.Open()
	defer c2.Close()

	// raw junk frame followed by a legal one
	go func() {
		_ = writeFrame(a, []byte{0xde, 0xad, 0xbe, 0xef})
		payload, err := GobCodec[string]{}.Encode("still alive")
		if err == nil {
			_ = writeFrame(a, payload)
		}
	}()

	select {
	case err := <-errs:
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
	case <-time.After(5 * time.Second):
		t.Fatal("decode failure never reported")
	}
	select {
	case msg := <-msgs:
		assert.Equal(t, "still alive", msg)
		assert.True(t, c2.IsConnected())
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not survive the bad frame")
	}
	a.Close()
}
