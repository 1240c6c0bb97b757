package limitstream

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/remerge/cue"
)

// Listener is a net.Listener that can be stopped and waited on by the
// server's accept loops.
type Listener struct {
	net.Listener
	wg      sync.WaitGroup
	log     cue.Logger
	stopped int32 // atomic bool
}

// NewListener listens on all interfaces. Port 0 picks a free port.
func NewListener(port int) (listener *Listener, err error) {
	listener = &Listener{}

	listener.Listener, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "could not listen on port %d", port)
	}

	listener.log = cue.NewLogger(fmt.Sprintf("listener:%d", listener.Port()))
	listener.log.Infof("start listen on %s", listener.Addr())

	return listener, nil
}

func NewTlsListener(port int, config *tls.Config) (listener *Listener, err error) {
	listener, err = NewListener(port)
	if err != nil {
		return nil, err
	}

	listener.Listener = tls.NewListener(listener.Listener, config)
	return listener, nil
}

// Port returns the port the listener is bound to.
func (listener *Listener) Port() int {
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (listener *Listener) Run(callback func(*Listener) error) error {
	defer listener.wg.Done()
	return callback(listener)
}

func (listener *Listener) Stop() {
	if atomic.SwapInt32(&listener.stopped, 1) > 0 {
		return
	}
	listener.log.Infof("stop listen on %s", listener.Addr())
	_ = listener.Listener.Close()
}

func (listener *Listener) IsStopped() bool {
	return atomic.LoadInt32(&listener.stopped) > 0
}

func (listener *Listener) Wait() {
	listener.wg.Wait()
}
