// ABOUTME: In-memory Conn pair and Dialer used to drive the client and gateway without sockets
// ABOUTME: Frames are delivered in order; closing either end closes both

package transport

import (
	"context"
	"net/http"
	"sync"
)

const pipeBuffer = 256

type pipeLink struct {
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	reason string
}

func (l *pipeLink) close(reason string) {
	l.once.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		close(l.done)
	})
}

// PipeConn is one end of an in-memory link.
type PipeConn struct {
	link *pipeLink
	in   chan []byte
	out  chan []byte
}

// Pipe returns two connected ends.
func Pipe() (*PipeConn, *PipeConn) {
	link := &pipeLink{done: make(chan struct{})}
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	return &PipeConn{link: link, in: a, out: b}, &PipeConn{link: link, in: b, out: a}
}

// Read returns queued frames first, then ErrClosed once the link is down.
func (p *PipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.link.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-p.link.done:
		return ErrClosed
	default:
	}
	frame := append([]byte(nil), data...)
	select {
	case p.out <- frame:
		return nil
	case <-p.link.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeConn) Close(reason string) error {
	p.link.close(reason)
	return nil
}

// Closed reports whether either end closed the link.
func (p *PipeConn) Closed() bool {
	select {
	case <-p.link.done:
		return true
	default:
		return false
	}
}

// CloseReason returns the reason passed to the first Close.
func (p *PipeConn) CloseReason() string {
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	return p.link.reason
}

// PipeDialer hands the server end of every dialed pipe to Accepted.
type PipeDialer struct {
	Accepted chan *PipeConn

	mu    sync.Mutex
	fails []error
	dials int
}

// NewPipeDialer creates a dialer with a buffered Accepted channel.
func NewPipeDialer() *PipeDialer {
	return &PipeDialer{Accepted: make(chan *PipeConn, 16)}
}

// FailNext makes the next Dial calls return errs in order.
func (d *PipeDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fails = append(d.fails, errs...)
}

// Dials returns how many times Dial was called.
func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements Dialer.
func (d *PipeDialer) Dial(ctx context.Context, _ string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if len(d.fails) > 0 {
		err := d.fails[0]
		d.fails = d.fails[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	client, server := Pipe()
	select {
	case d.Accepted <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
