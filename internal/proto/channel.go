package proto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// receiverBufferSize is the number of decoded messages a Receiver holds
// ahead of its consumer. The pump blocks once the buffer is full, so
// backpressure still propagates to the underlying pipe.
const receiverBufferSize = 64

// ErrTimeout is returned by Recv when no message arrived within the timeout.
var ErrTimeout = errors.New("receive timed out")

// ErrClosed is returned when the channel's peer has closed its end and all
// buffered messages have been drained.
var ErrClosed = errors.New("channel closed")

// Sender writes framed messages to w. Safe for concurrent use.
type Sender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSender creates a Sender writing frames to w.
func NewSender(w io.Writer) *Sender {
	return &Sender{w: w}
}

// Send writes one framed message. Frames from concurrent callers are never
// interleaved.
func (s *Sender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteMessage(s.w, v)
}

// Close closes the underlying writer if it is an io.Closer.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Receiver decodes framed messages of type T from a reader on a background
// goroutine and hands them out through Recv. Messages are delivered in the
// exact order they were written; nothing is dropped or reordered.
type Receiver[T any] struct {
	msgs chan T
	done chan struct{}

	mu  sync.Mutex
	err error
}

// NewReceiver starts a Receiver decoding messages from r.
func NewReceiver[T any](r io.Reader) *Receiver[T] {
	rc := &Receiver[T]{
		msgs: make(chan T, receiverBufferSize),
		done: make(chan struct{}),
	}
	go rc.pump(r)
	return rc
}

func (r *Receiver[T]) pump(src io.Reader) {
	br := bufio.NewReader(src)
	for {
		var msg T
		if err := ReadMessage(br, &msg); err != nil {
			r.mu.Lock()
			if err != io.EOF {
				r.err = err
			}
			r.mu.Unlock()
			close(r.done)
			return
		}
		r.msgs <- msg
	}
}

// Recv returns the next message, waiting up to timeout. It returns
// ErrTimeout if nothing arrived in time, and ErrClosed (or the underlying
// decode error) once the peer has closed its end and the buffer is drained.
func (r *Receiver[T]) Recv(timeout time.Duration) (T, error) {
	var zero T

	// Fast path: a message is already buffered.
	select {
	case msg := <-r.msgs:
		return msg, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-r.done:
		// The pump stopped, but messages may still be buffered.
		select {
		case msg := <-r.msgs:
			return msg, nil
		default:
			return zero, r.closedErr()
		}
	case <-timer.C:
		return zero, ErrTimeout
	}
}

// Closed reports whether the peer has closed its end of the channel.
// Buffered messages may still be available via Recv.
func (r *Receiver[T]) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Receiver[T]) closedErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, r.err)
	}
	return ErrClosed
}
