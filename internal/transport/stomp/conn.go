package stomp

import (
	"errors"
	"net"
	"sync"
)

var errConnClosed = errors.New("stomp connection closed")

// watchedConn records the first read or write failure on the underlying
// connection and closes Done. The STOMP client gives no other signal that
// the connection died.
type watchedConn struct {
	net.Conn

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newWatchedConn(c net.Conn) *watchedConn {
	return &watchedConn{
		Conn: c,
		done: make(chan struct{}),
	}
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.Conn.Read(p)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Write(p []byte) (int, error) {
	n, err := w.Conn.Write(p)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Close() error {
	w.fail(errConnClosed)
	return w.Conn.Close()
}

func (w *watchedConn) fail(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.done)
	})
}

func (w *watchedConn) Done() <-chan struct{} {
	return w.done
}

func (w *watchedConn) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
