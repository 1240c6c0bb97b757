package limitstream

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/remerge/cue"
)

// Connection is one accepted client. Reads through Buffer pass the client's
// bytes through Limiter; writes go to the client unlimited.
type Connection struct {
	net.Conn
	Server     *Server
	Limiter    Reader
	Buffer     bufio.ReadWriter
	closeMutex sync.Mutex
}

var connectionPool sync.Pool

func (server *Server) NewConnection(conn net.Conn) (*Connection, error) {
	stage, err := NewStage(server.Limit, server.Policy)
	if err != nil {
		return nil, err
	}

	c := newConnection()
	c.Conn = conn
	c.Server = server

	c.Limiter.R = conn
	c.Limiter.Stage = stage

	br := newBufioReader(&c.Limiter, server.BufferSize)
	bw := newBufioWriter(conn, server.BufferSize)
	c.Buffer.Reader = br
	c.Buffer.Writer = bw

	c.Server.numConns.Inc(1)
	return c, nil
}

func newConnection() *Connection {
	if v := connectionPool.Get(); v != nil {
		return v.(*Connection)
	}
	return &Connection{}
}

func putConnection(c *Connection) {
	c.Server.numConns.Dec(1)

	c.Conn = nil
	c.Server = nil
	c.Limiter.R = nil
	c.Limiter.Stage = nil

	if c.Buffer.Reader != nil {
		putBufioReader(c.Buffer.Reader)
		c.Buffer.Reader = nil
	}

	if c.Buffer.Writer != nil {
		putBufioWriter(c.Buffer.Writer)
		c.Buffer.Writer = nil
	}

	connectionPool.Put(c)
}

var (
	bufioReaderPool sync.Pool
	bufioWriterPool sync.Pool
)

func newBufioReader(r *Reader, size int) *bufio.Reader {
	if v := bufioReaderPool.Get(); v != nil {
		br := v.(*bufio.Reader)
		br.Reset(r)
		return br
	}
	return bufio.NewReaderSize(r, size)
}

func putBufioReader(br *bufio.Reader) {
	br.Reset(nil)
	bufioReaderPool.Put(br)
}

func newBufioWriter(w net.Conn, size int) *bufio.Writer {
	if v := bufioWriterPool.Get(); v != nil {
		bw := v.(*bufio.Writer)
		bw.Reset(w)
		return bw
	}
	return bufio.NewWriterSize(w, size)
}

func putBufioWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	bufioWriterPool.Put(bw)
}

func trimPort(s string) string {
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	if idx := strings.LastIndex(s, ":"); idx != -1 {
		return s[:idx]
	}
	return s
}

// Read reads the limited client stream.
func (c *Connection) Read(p []byte) (int, error) {
	return c.Buffer.Read(p)
}

// Write writes to the client through the write buffer. Call Flush to send.
func (c *Connection) Write(p []byte) (int, error) {
	return c.Buffer.Write(p)
}

func (c *Connection) Flush() error {
	return c.Buffer.Flush()
}

// Stage returns the stage limiting this connection.
func (c *Connection) Stage() *Stage {
	return c.Limiter.Stage
}

func (c *Connection) Serve() {
	defer func() {
		if err := recover(); err != nil {
			fmt.Printf("unhandled panic: %v\n", err)
			debug.PrintStack()

			c.Server.Log.WithFields(cue.Fields{
				"remote_addr": c.Conn.RemoteAddr().String(),
			}).Error(fmt.Errorf("%v", err), "unhandled server connection error")
		}
		c.Close()
	}()

	if tlsConn, ok := c.Conn.(*tls.Conn); ok {
		err := tlsConn.Handshake()
		c.Server.numHandshakes.Dec(1)
		if err != nil {
			c.Server.Log.Warnf("TLS handshake with %s failed: %v", trimPort(c.Conn.RemoteAddr().String()), err)
			c.Server.tlsErrors.Inc(1)
			return
		}
	}

	// reset deadline before handle
	if err := c.Conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	c.Server.Handler.Handle(c)
}

// recordOutcome reports how the client stream ended.
func (c *Connection) recordOutcome() {
	stage := c.Limiter.Stage
	if stage == nil {
		return
	}

	c.Server.bytesForwarded.Inc(stage.Forwarded())

	switch stage.State() {
	case Terminated:
		c.Server.limitTerminated.Inc(1)
		c.Server.Log.WithFields(cue.Fields{
			"remote_addr": c.Conn.RemoteAddr().String(),
			"forwarded":   stage.Forwarded(),
		}).Infof("client stream terminated at limit %d", stage.Limit())
	case Failed:
		c.Server.limitFailed.Inc(1)
		c.Server.Log.WithFields(cue.Fields{
			"remote_addr": c.Conn.RemoteAddr().String(),
			"forwarded":   stage.Forwarded(),
		}).Warn(stage.Err().Error())
	}
}

func (c *Connection) closeInternal() {
	// prevent double close
	if c.Conn == nil {
		return
	}

	c.Server.closes.Inc(1)
	c.recordOutcome()
	c.Limiter.Stage.Cancel()

	if err := c.Conn.SetDeadline(time.Now().Add(c.Server.Timeout)); err != nil {
		_ = c.Conn.Close()
		return
	}

	// flush write buffer before close
	if c.Buffer.Writer != nil {
		_ = c.Buffer.Writer.Flush()
	}
	_ = c.Conn.Close()
}

// Close - closes the underlying connection and puts it back in the pool
// IMPORTANT: this should NEVER be called twice as it is not go routine safe:
// The connection is put back in the pool and might be taken and reinitialized by
// another go routine. If Close() is called a second time it will modify the connection
// that is potentially already in use in a different go routine
func (c *Connection) Close() {
	c.closeMutex.Lock()
	c.closeInternal()
	c.closeMutex.Unlock()
	// put connection back into pool
	putConnection(c)
}
