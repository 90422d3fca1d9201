// Package transport implements the two wire framings of spec.md §6: a
// newline-delimited JSON stdio transport and a length-prefixed TCP
// transport, plus the per-connection concurrency/backpressure semaphore
// grounded on the teacher's limiterEntry.semaphore channel idiom in
// cmd/pulse-sensor-proxy/throttle.go.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxMessageBytes is the hard cap on a single TCP frame (spec.md §6).
const MaxMessageBytes = 1 << 20 // 1,048,576

// ErrMessageTooLarge is returned when a frame exceeds MaxMessageBytes.
var ErrMessageTooLarge = errors.New("message exceeds maximum frame size")

// Connection is one logical client connection, stdio or TCP.
type Connection struct {
	ID           string
	rw           io.ReadWriteCloser
	mode         Mode
	idleTimeout  time.Duration
	concurrency  chan struct{}
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

type Mode int

const (
	ModeStdio Mode = iota
	ModeTCP
)

// NewConnection wraps rw with the given idle timeout and concurrency limit
// (the per-connection backpressure gate).
func NewConnection(rw io.ReadWriteCloser, mode Mode, idleTimeout time.Duration, concurrencyLimit int) *Connection {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 10
	}
	return &Connection{
		ID:          uuid.NewString(),
		rw:          rw,
		mode:        mode,
		idleTimeout: idleTimeout,
		concurrency: make(chan struct{}, concurrencyLimit),
	}
}

// Acquire blocks until a concurrency slot is free or ctx is cancelled,
// implementing per-connection backpressure (spec.md §5).
func (c *Connection) Acquire(ctx context.Context) error {
	select {
	case c.concurrency <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a concurrency slot.
func (c *Connection) Release() {
	<-c.concurrency
}

// Close closes the underlying connection exactly once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.rw.Close() })
	return err
}

// ReadMessages streams decoded message frames until the connection closes,
// the idle timeout elapses, or ctx is cancelled.
func (c *Connection) ReadMessages(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		switch c.mode {
		case ModeStdio:
			c.readLines(ctx, out)
		case ModeTCP:
			c.readFrames(ctx, out)
		}
	}()
	return out
}

func (c *Connection) readLines(ctx context.Context, out chan<- []byte) {
	scanner := bufio.NewScanner(c.rw)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) readFrames(ctx context.Context, out chan<- []byte) {
	reader := bufio.NewReader(c.rw)
	header := make([]byte, 4)
	for {
		if deadliner, ok := c.rw.(interface{ SetReadDeadline(time.Time) error }); ok && c.idleTimeout > 0 {
			_ = deadliner.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(header)
		if n > MaxMessageBytes {
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

// Write sends one framed message, serializing concurrent writers.
func (c *Connection) Write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	switch c.mode {
	case ModeStdio:
		_, err := c.rw.Write(append(msg, '\n'))
		return err
	case ModeTCP:
		if len(msg) > MaxMessageBytes {
			return ErrMessageTooLarge
		}
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, uint32(len(msg)))
		if _, err := c.rw.Write(header); err != nil {
			return err
		}
		_, err := c.rw.Write(msg)
		return err
	default:
		return fmt.Errorf("unknown transport mode")
	}
}

// Listener accepts TCP connections bounded by max_connections (spec.md §6).
type Listener struct {
	ln             net.Listener
	maxConnections int
	active         chan struct{}
}

func ListenTCP(bind string, port, maxConnections int) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bind, port))
	if err != nil {
		return nil, err
	}
	if maxConnections <= 0 {
		maxConnections = 100
	}
	return &Listener{ln: ln, maxConnections: maxConnections, active: make(chan struct{}, maxConnections)}, nil
}

// Accept blocks for the next connection, applying the server-wide connection
// cap via a buffered semaphore channel.
func (l *Listener) Accept(ctx context.Context) (net.Conn, func(), error) {
	select {
	case l.active <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	conn, err := l.ln.Accept()
	if err != nil {
		<-l.active
		return nil, nil, err
	}
	release := func() { <-l.active }
	return conn, release, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
