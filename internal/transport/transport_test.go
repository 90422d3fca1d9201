package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

type pipeRWC struct {
	r io.Reader
	w io.Writer
}

func (p pipeRWC) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeRWC) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeRWC) Close() error                { return nil }

func TestConnection_StdioReadLines(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConnection(pipeRWC{r: r, w: io.Discard}, ModeStdio, 0, 5)

	go func() {
		w.Write([]byte("{\"a\":1}\n{\"b\":2}\n"))
		w.Close()
	}()

	msgs := conn.ReadMessages(context.Background())
	first := <-msgs
	second := <-msgs
	if string(first) != `{"a":1}` {
		t.Errorf("unexpected first message: %s", first)
	}
	if string(second) != `{"b":2}` {
		t.Errorf("unexpected second message: %s", second)
	}
}

func TestConnection_TCPFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, ModeTCP, 0, 5)

	go func() {
		payload := []byte(`{"hello":"world"}`)
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, uint32(len(payload)))
		client.Write(header)
		client.Write(payload)
	}()

	msgs := conn.ReadMessages(context.Background())
	select {
	case msg := <-msgs:
		if string(msg) != `{"hello":"world"}` {
			t.Errorf("unexpected message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestConnection_TCPFrameExceedsMaxSizeWrite(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, ModeTCP, 0, 5)
	oversized := make([]byte, MaxMessageBytes+1)
	if err := conn.Write(oversized); err != ErrMessageTooLarge {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestConnection_AcquireReleaseBoundsConcurrency(t *testing.T) {
	conn := NewConnection(pipeRWC{r: nil, w: io.Discard}, ModeStdio, 0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := conn.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error acquiring first slot: %v", err)
	}
	if err := conn.Acquire(ctx); err == nil {
		t.Fatal("expected second acquire to block and time out")
	}
	conn.Release()
	if err := conn.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
}

func TestListenTCP_AcceptRespectsMaxConnections(t *testing.T) {
	l, err := ListenTCP("127.0.0.1", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", l.Addr().String())
		if err == nil {
			done <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, release, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("unexpected error on first accept: %v", err)
	}
	defer release()
	<-done

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, _, err := l.Accept(ctx2); err == nil {
		t.Error("expected second accept to block on the connection cap and time out")
	}
}
