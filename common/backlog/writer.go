// Package backlog queues writes for one connection and flushes them from
// a dedicated goroutine, so a dispatcher feeding many connections never
// waits on a peer that stopped reading.
package backlog

import (
	"net"
	"sync"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
)

var ErrOverflow = E.New("write backlog overflow")

type Writer struct {
	timeout time.Duration
	limit   int
	wake    chan struct{}
	done    chan struct{}

	access   sync.Mutex
	pending  [][]byte
	size     int
	shutdown bool
	closed   bool
}

// New creates a writer that allows up to limit queued bytes and gives
// every write timeout to complete.
func New(timeout time.Duration, limit int) *Writer {
	return &Writer{
		timeout: timeout,
		limit:   limit,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Write queues data without blocking. The writer keeps a reference to
// data until it is flushed.
func (w *Writer) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	w.access.Lock()
	if w.closed || w.shutdown {
		w.access.Unlock()
		return net.ErrClosed
	}
	if w.size+len(data) > w.limit {
		w.access.Unlock()
		return ErrOverflow
	}
	w.pending = append(w.pending, data)
	w.size += len(data)
	w.access.Unlock()
	w.notify()
	return nil
}

func (w *Writer) Backlog() int {
	w.access.Lock()
	defer w.access.Unlock()
	return w.size
}

// Shutdown refuses further writes. Run returns once the queued data is
// flushed.
func (w *Writer) Shutdown() {
	w.access.Lock()
	w.shutdown = true
	w.access.Unlock()
	w.notify()
}

// Close drops queued data and stops Run.
func (w *Writer) Close() {
	w.access.Lock()
	defer w.access.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.pending = nil
	w.size = 0
	close(w.done)
}

func (w *Writer) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run flushes queued data to conn until Close, or until Shutdown and the
// queue is empty. It returns the first write error.
func (w *Writer) Run(conn net.Conn) error {
	for {
		w.access.Lock()
		pending, closed, shutdown := w.pending, w.closed, w.shutdown
		w.pending = nil
		w.size = 0
		w.access.Unlock()
		if closed {
			return nil
		}
		for _, data := range pending {
			conn.SetWriteDeadline(time.Now().Add(w.timeout))
			_, err := conn.Write(data)
			if err != nil {
				return err
			}
		}
		if len(pending) > 0 {
			continue
		}
		if shutdown {
			return nil
		}
		select {
		case <-w.wake:
		case <-w.done:
			return nil
		}
	}
}
