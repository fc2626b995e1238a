package proto_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cdelaunay/simrig/internal/proto"
)

func TestSenderReceiverOrdered(t *testing.T) {
	pr, pw := io.Pipe()
	sender := proto.NewSender(pw)
	recv := proto.NewReceiver[proto.Command](pr)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			args, _ := proto.MarshalArgs(i)
			if err := sender.Send(proto.Command{Method: "echo", Args: args}); err != nil {
				t.Errorf("Send %d: %v", i, err)
				return
			}
		}
		pw.Close()
	}()

	for i := 0; i < n; i++ {
		cmd, err := recv.Recv(time.Second)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if string(cmd.Args[0]) != jsonInt(i) {
			t.Errorf("command %d arg = %s, want %s", i, cmd.Args[0], jsonInt(i))
		}
	}

	if _, err := recv.Recv(time.Second); !errors.Is(err, proto.ErrClosed) {
		t.Fatalf("Recv after close = %v, want ErrClosed", err)
	}
}

func TestReceiverTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	recv := proto.NewReceiver[proto.Event](pr)

	start := time.Now()
	_, err := recv.Recv(20 * time.Millisecond)
	if !errors.Is(err, proto.ErrTimeout) {
		t.Fatalf("Recv = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Recv returned after %v, want at least 20ms", elapsed)
	}
}

func TestReceiverDrainsBufferAfterClose(t *testing.T) {
	pr, pw := io.Pipe()
	sender := proto.NewSender(pw)
	recv := proto.NewReceiver[proto.Event](pr)

	go func() {
		for j := 0; j < 3; j++ {
			if err := sender.Send(proto.Event{Type: proto.EventCredit}); err != nil {
				t.Errorf("Send: %v", err)
			}
		}
		pw.Close()
	}()

	// Give the pump time to observe the close so the drain path is exercised.
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		ev, err := recv.Recv(time.Second)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if ev.Type != proto.EventCredit {
			t.Errorf("event %d type = %q, want credit", i, ev.Type)
		}
	}
	if _, err := recv.Recv(10 * time.Millisecond); !errors.Is(err, proto.ErrClosed) {
		t.Fatalf("Recv after drain = %v, want ErrClosed", err)
	}
}
