package pipeipc

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 5 * time.Second

type testServer struct {
	*Server[string, string]
	connected    chan *Connection[string, string]
	disconnected chan *Connection[string, string]
	messages     chan serverMessage
}

type serverMessage struct {
	from string
	body string
}

func startTestServer(t *testing.T, name, dir string) *testServer {
	t.Helper()
	ts := &testServer{
		Server: NewServer[string, string](name, &ServerConfig[string, string]{
			Pipe: PipeConfig{Dir: dir},
		}),
		connected:    make(chan *Connection[string, string], 16),
		disconnected: make(chan *Connection[string, string], 16),
		messages:     make(chan serverMessage, 64),
	}
	ts.OnClientConnected = func(c *Connection[string, string]) { ts.connected <- c }
	ts.OnClientDisconnected = func(c *Connection[string, string]) { ts.disconnected <- c }
	ts.OnClientMessage = func(c *Connection[string, string], msg string) {
		ts.messages <- serverMessage{from: c.Name, body: msg}
	}
	ts.Start()
	return ts
}

type testClient struct {
	*Client[string, string]
	messages chan string
}

func startTestClient(t *testing.T, name, dir string) *testClient {
	t.Helper()
	tc := &testClient{
		Client: NewClient[string, string](name, &ClientConfig[string, string]{
			Pipe: PipeConfig{Dir: dir},
		}),
		messages: make(chan string, 64),
	}
	tc.OnServerMessage = func(_ *Connection[string, string], msg string) { tc.messages <- msg }
	tc.Start()
	require.NoError(t, tc.WaitForConnection(testWait))
	return tc
}

func recvConn(t *testing.T, ch chan *Connection[string, string], what string) *Connection[string, string] {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func recvString(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func expectNoString(t *testing.T, ch chan string, what string) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected %s: %q", what, s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSingleClientEcho(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, "test1", dir)
	defer srv.Stop()

	cli := startTestClient(t, "test1", dir)
	defer cli.Stop()
	recvConn(t, srv.connected, "client connect")

	cli.PushMessage("hello")
	var msg serverMessage
	select {
	case msg = <-srv.messages:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for client message")
	}
	assert.Equal(t, serverMessage{from: "Client 1", body: "hello"}, msg)
	select {
	case dup := <-srv.messages:
		t.Fatalf("message delivered twice: %+v", dup)
	case <-time.After(200 * time.Millisecond):
	}

	srv.PushMessage("hi")
	assert.Equal(t, "hi", recvString(t, cli.messages, "server reply"))
}

func TestThreeConcurrentClients(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, "test2", dir)
	defer srv.Stop()

	labels := []string{"A", "B", "C"}
	clients := make([]*testClient, 0, len(labels))
	for i := range labels {
		cli := startTestClient(t, "test2", dir)
		defer cli.Stop()
		clients = append(clients, cli)
		conn := recvConn(t, srv.connected, "client connect")
		assert.Equal(t, i+1, conn.ID)
		assert.Equal(t, fmt.Sprintf("Client %d", i+1), conn.Name)
	}
	assert.Equal(t, 3, srv.ConnectionCount())

	for i, cli := range clients {
		cli.PushMessage(labels[i])
	}
	seen := map[string]string{}
	for range labels {
		select {
		case m := <-srv.messages:
			seen[m.body] = m.from
		case <-time.After(testWait):
			t.Fatal("timed out collecting client messages")
		}
	}
	assert.Equal(t, map[string]string{
		"A": "Client 1",
		"B": "Client 2",
		"C": "Client 3",
	}, seen)
}

func TestTargetedSend(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, "test3", dir)
	defer srv.Stop()

	clients := make([]*testClient, 3)
	for i := range clients {
		clients[i] = startTestClient(t, "test3", dir)
		defer clients[i].Stop()
		recvConn(t, srv.connected, "client connect")
	}

	srv.PushMessageTo("x", 2)
	assert.Equal(t, "x", recvString(t, clients[1].messages, "targeted message"))
	expectNoString(t, clients[0].messages, "message for client 1")
	expectNoString(t, clients[2].messages, "message for client 3")

	srv.PushMessageToName("y", "Client 1", "Client 3")
	assert.Equal(t, "y", recvString(t, clients[0].messages, "named message"))
	assert.Equal(t, "y", recvString(t, clients[2].messages, "named message"))
	expectNoString(t, clients[1].messages, "message for client 2")
}

func TestServerObservesClientDisconnect(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, "test4", dir)
	defer srv.Stop()

	cli := startTestClient(t, "test4", dir)
	conn := recvConn(t, srv.connected, "client connect")

	cli.Stop()
	gone := recvConn(t, srv.disconnected, "client disconnect")
	assert.Equal(t, conn.ID, gone.ID)
	assert.Eventually(t, func() bool { return srv.ConnectionCount() == 0 },
		testWait, 10*time.Millisecond)
}

func TestClientAutoReconnect(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, "test5", dir)

	cli := &testClient{
		Client: NewClient[string, string]("test5", &ClientConfig[string, string]{
			Pipe: PipeConfig{Dir: dir},
		}),
		messages: make(chan string, 64),
	}
	cli.AutoReconnectDelay = 50 * time.Millisecond
	cli.OnServerMessage = func(_ *Connection[string, string], msg string) { cli.messages <- msg }
	cli.Start()
	defer cli.Stop()
	require.NoError(t, cli.WaitForConnection(testWait))
	recvConn(t, srv.connected, "client connect")

	srv.Stop()
	require.NoError(t, cli.WaitForDisconnection(testWait))

	srv2 := startTestServer(t, "test5", dir)
	defer srv2.Stop()
	require.NoError(t, cli.WaitForConnection(testWait))
	recvConn(t, srv2.connected, "reconnect")

	srv2.PushMessage("back")
	assert.Equal(t, "back", recvString(t, cli.messages, "post-reconnect message"))

	// stop the client before srv2 so its deferred Stop does not trigger one
	// last reconnect attempt
	cli.Stop()
}

func TestStopWithoutClientsReturnsPromptly(t *testing.T) {
	srv := startTestServer(t, "test6", t.TempDir())
	// let the listener park on the well-known pipe
	assert.Eventually(t, func() bool { return srv.running.Load() },
		testWait, 10*time.Millisecond)

	start := time.Now()
	srv.Stop()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Eventually(t, func() bool { return !srv.running.Load() },
		testWait, 10*time.Millisecond)
}
