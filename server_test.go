package limitstream

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownSegfault(t *testing.T) {
	// test for multiple times so that the segfault happens
	// with a high probability
	for i := 0; i < 100; i++ {
		testShutdownSegfault(t)
	}
}

func testShutdownSegfault(t *testing.T) {
	s, err := NewServer(0, 1024, Terminate)
	require.NoError(t, err)

	val := 2
	handler := &testHandler{&val}
	s.Handler = handler

	require.NoError(t, s.Run())

	dials := make(chan bool, 1)
	go makeRequests(t, s.Addr(), dials)

	// wait until the first request was started
	<-dials

	// if Stop() doesn't wait correctly, the resource that is
	// removed after it will trigger a segfault in Handle()
	s.Stop()
	handler.resource = nil
}

func makeRequests(t *testing.T, addr string, dials chan<- bool) {
	for i := 0; i < 100; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			break
		}
		select {
		case dials <- true:
		default:
		}
		if err := c.Close(); err != nil {
			t.Error(err)
		}
	}
}

type testHandler struct {
	resource *int
}

func (h *testHandler) Handle(c *Connection) {
	// use the resource that gets removed after Stop()
	_ = *h.resource
}

func TestRunStopRace(t *testing.T) {
	s, err := NewServer(0, 1024, Terminate)
	require.NoError(t, err)
	s.Handler = HandlerFunc(func(*Connection) {})

	require.NoError(t, s.Run())
	s.Stop()
}

func TestRunWithoutHandler(t *testing.T) {
	s, err := NewServer(0, 1024, Terminate)
	require.NoError(t, err)
	require.Error(t, s.Run())
}

func TestNewServerRejectsNegativeLimit(t *testing.T) {
	_, err := NewServer(0, -1, Fail)
	require.True(t, IsErrInvalidConfig(err))
}

type received struct {
	data  []byte
	err   error
	state State
}

// startRecordingServer runs a server whose handler reads the whole limited
// client stream and reports it.
func startRecordingServer(t *testing.T, limit int64, policy Policy) (*Server, <-chan received) {
	results := make(chan received, 1)

	s, err := NewServer(0, limit, policy)
	require.NoError(t, err)
	s.Handler = HandlerFunc(func(c *Connection) {
		data, err := io.ReadAll(c)
		results <- received{data: data, err: err, state: c.Stage().State()}
	})
	require.NoError(t, s.Run())
	t.Cleanup(s.Stop)

	return s, results
}

func sendAndHalfClose(t *testing.T, addr string, payload []byte) net.Conn {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Write(payload)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	return conn
}

func awaitResult(t *testing.T, results <-chan received) received {
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
		return received{}
	}
}

func TestServerForwardsStreamWithinLimit(t *testing.T) {
	s, results := startRecordingServer(t, 10, Fail)
	sendAndHalfClose(t, s.Addr(), []byte("hello"))

	r := awaitResult(t, results)
	require.NoError(t, r.err)
	require.Equal(t, "hello", string(r.data))
	require.Equal(t, Completed, r.state)
}

func TestServerTerminatesClientStreamAtLimit(t *testing.T) {
	s, results := startRecordingServer(t, 10, Terminate)
	payload := bytes.Repeat([]byte("x"), 64)
	sendAndHalfClose(t, s.Addr(), payload)

	r := awaitResult(t, results)
	require.NoError(t, r.err)
	require.LessOrEqual(t, len(r.data), 10)
	require.Equal(t, payload[:len(r.data)], r.data)
	require.Equal(t, Terminated, r.state)
}

func TestServerFailsClientStreamOverLimit(t *testing.T) {
	s, results := startRecordingServer(t, 10, Fail)
	sendAndHalfClose(t, s.Addr(), bytes.Repeat([]byte("x"), 64))

	r := awaitResult(t, results)
	require.True(t, IsErrSizeLimitExceeded(r.err))
	require.LessOrEqual(t, len(r.data), 10)
	require.Equal(t, Failed, r.state)
}

// startEchoUpstream echoes every connection back to itself.
func startEchoUpstream(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().String()
}

func TestRelayHandlerEchoesWithinLimit(t *testing.T) {
	upstream := startEchoUpstream(t)

	s, err := NewServer(0, 1024, Fail)
	require.NoError(t, err)
	s.Handler = &RelayHandler{Upstream: upstream, DialTimeout: time.Second}
	require.NoError(t, s.Run())
	t.Cleanup(s.Stop)

	conn := sendAndHalfClose(t, s.Addr(), []byte("ping"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "ping", string(resp))
}

func TestRelayHandlerCapsForwardedBytes(t *testing.T) {
	upstream := startEchoUpstream(t)

	s, err := NewServer(0, 16, Terminate)
	require.NoError(t, err)
	s.Handler = &RelayHandler{Upstream: upstream, DialTimeout: time.Second}
	require.NoError(t, s.Run())
	t.Cleanup(s.Stop)

	payload := bytes.Repeat([]byte("y"), 4096)
	conn := sendAndHalfClose(t, s.Addr(), payload)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	resp, _ := io.ReadAll(conn)
	require.LessOrEqual(t, len(resp), 16)
	require.Equal(t, payload[:len(resp)], resp)
}
