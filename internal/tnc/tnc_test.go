package tnc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0call/rfmp/internal/kiss"
)

func TestOfflineModeNeverDials(t *testing.T) {
	c := New("unused:0", true, zerolog.Nop())
	dialed := false
	c.SetDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		dialed = true
		return nil, errors.New("should not be called")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx, func(kiss.Frame) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if dialed {
		t.Fatal("expected offline mode to never dial")
	}
}

func TestRunDecodesFramesFromConnection(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := New("addr", false, zerolog.Nop())
	dialed := false
	c.SetDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		if dialed {
			return nil, errors.New("no further connections in this test")
		}
		dialed = true
		return clientSide, nil
	})

	received := make(chan kiss.Frame, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx, func(f kiss.Frame) {
		received <- f
	})

	// Give Run a moment to dial and start reading.
	time.Sleep(20 * time.Millisecond)
	if !c.Connected() {
		t.Fatal("expected client to report connected")
	}

	serverSide.Write(kiss.Encode(0, []byte("hello")))

	select {
	case f := <-received:
		if string(f.Payload) != "hello" {
			t.Fatalf("Payload = %q, want hello", f.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded frame")
	}
}

func TestSendWritesKissFrame(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := New("addr", false, zerolog.Nop())
	dialed := false
	c.SetDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		if dialed {
			return nil, errors.New("no further connections in this test")
		}
		dialed = true
		return clientSide, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, func(kiss.Frame) {})
	time.Sleep(20 * time.Millisecond)

	// net.Pipe is synchronous: Send's Write returns only once the server
	// side reads, so Send runs in its own goroutine.
	sendErr := make(chan error, 1)
	go func() { sendErr <- c.Send(0, []byte("world")) }()

	buf := make([]byte, 64)
	serverSide.SetReadDeadline(time.Now().Add(time.Second))
	n, err := serverSide.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
	frames, err := kiss.DecodeAll(buf[:n])
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "world" {
		t.Fatalf("frames = %+v, want one frame with payload world", frames)
	}
}

func TestSendFailsWhenNotConnected(t *testing.T) {
	c := New("addr", false, zerolog.Nop())
	if err := c.Send(0, []byte("x")); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestReconnectsAfterConnectionCloses(t *testing.T) {
	clientSide1, serverSide1 := net.Pipe()
	clientSide2, serverSide2 := net.Pipe()
	c := New("addr", false, zerolog.Nop())

	attempt := 0
	c.SetDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		attempt++
		switch attempt {
		case 1:
			return clientSide1, nil
		case 2:
			return clientSide2, nil
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, func(kiss.Frame) {})

	time.Sleep(20 * time.Millisecond)
	serverSide1.Close() // force the first connection to drop

	time.Sleep(MinReconnectBackoff + 50*time.Millisecond)
	if !c.Connected() {
		t.Fatal("expected client to reconnect on the second attempt")
	}

	serverSide2.Write(kiss.Encode(0, []byte("ok")))
}
