package backendconn

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDialCloseIsConnected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := New(DefaultConfig())
	if c.IsConnected() {
		t.Fatal("new Conn should not be connected")
	}

	err := c.Dial(context.Background(), func(ctx context.Context) (net.Conn, error) {
		return client, nil
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("expected IsConnected true after Dial")
	}

	c.Close()
	if c.IsConnected() {
		t.Fatal("expected IsConnected false after Close")
	}
}

func TestDialError(t *testing.T) {
	c := New(DefaultConfig())
	err := c.Dial(context.Background(), func(ctx context.Context) (net.Conn, error) {
		return nil, net.ErrClosed
	})
	if err == nil {
		t.Fatal("expected error from failing dialer")
	}
	if c.IsConnected() {
		t.Fatal("Conn should remain disconnected after a dial failure")
	}
}

func TestWriteFlushRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := New(Config{ReadBuf: 512, WriteBuf: 512})
	if err := c.Dial(context.Background(), func(ctx context.Context) (net.Conn, error) { return client, nil }); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 5)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	if err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	select {
	case got := <-done:
		if string(got) != "hello" {
			t.Errorf("got %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for written bytes")
	}
}

func TestWriteWithoutDialFails(t *testing.T) {
	c := New(DefaultConfig())
	if err := c.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing to an unconnected Conn")
	}
	if err := c.Flush(); err == nil {
		t.Fatal("expected error flushing an unconnected Conn")
	}
}

func TestBackoffWithinBounds(t *testing.T) {
	min := 10 * time.Millisecond
	max := 500 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := Backoff(min, max)
		if d < min {
			t.Fatalf("Backoff = %v, want >= %v", d, min)
		}
	}
}

func TestBackoffMaxNotGreaterThanMin(t *testing.T) {
	if got := Backoff(time.Second, time.Second); got != time.Second {
		t.Errorf("Backoff(min,min) = %v, want %v", got, time.Second)
	}
}
