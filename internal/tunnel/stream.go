package tunnel

import (
	"net"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// errorCodeCanceled is the application error code used when a stream half
// is torn down without a graceful finish.
const errorCodeCanceled quic.StreamErrorCode = 0

// SendStream is the send half of one relay stream, tagged with a task
// handle that keeps the connection alive while the half is open.
type SendStream struct {
	str      quic.SendStream
	task     *Task
	finished atomic.Bool
}

// NewSendStream wraps the send half of a QUIC stream.
func NewSendStream(str quic.SendStream, task *Task) *SendStream {
	return &SendStream{str: str, task: task}
}

// Write writes to the stream. Writing after Finish fails with
// net.ErrClosed rather than silently succeeding.
func (s *SendStream) Write(p []byte) (int, error) {
	if s.finished.Load() {
		return 0, net.ErrClosed
	}
	return s.str.Write(p)
}

// WriteBuffers writes a vectored buffer set. This is an optimization for
// header-plus-payload writes, not a correctness requirement; the buffers
// are written in order.
func (s *SendStream) WriteBuffers(bufs net.Buffers) (int64, error) {
	if s.finished.Load() {
		return 0, net.ErrClosed
	}
	return bufs.WriteTo(s.str)
}

// Finish signals that no more data will be written and queues the FIN.
// Callers needing guaranteed delivery must call Finish and see it return
// nil before dropping the stream.
func (s *SendStream) Finish() error {
	if !s.finished.CompareAndSwap(false, true) {
		return nil
	}
	return s.str.Close()
}

// Close releases the task handle, aborting the send if it was never
// finished. Unflushed writes may be lost.
func (s *SendStream) Close() error {
	if !s.finished.Load() {
		s.str.CancelWrite(errorCodeCanceled)
	}
	s.task.Done()
	return nil
}

// RecvStream is the receive half of one relay stream, tagged with a task
// handle of its own.
type RecvStream struct {
	str  quic.ReceiveStream
	task *Task
}

// NewRecvStream wraps the receive half of a QUIC stream.
func NewRecvStream(str quic.ReceiveStream, task *Task) *RecvStream {
	return &RecvStream{str: str, task: task}
}

// Read reads from the stream with standard partial-read semantics.
func (r *RecvStream) Read(p []byte) (int, error) {
	return r.str.Read(p)
}

// Close stops reading and releases the task handle. The peer's half-close
// is signaled by the transport itself.
func (r *RecvStream) Close() error {
	r.str.CancelRead(errorCodeCanceled)
	r.task.Done()
	return nil
}

// Stream pairs the two halves of one relay stream. Reads and writes on
// different streams proceed independently; within one stream bytes are
// delivered in write order.
type Stream struct {
	send *SendStream
	recv *RecvStream
}

// NewStream wraps a bidirectional QUIC stream. Each half holds its own
// task handle; both are released by Close.
func NewStream(str quic.Stream, sendTask, recvTask *Task) *Stream {
	return &Stream{
		send: NewSendStream(str, sendTask),
		recv: NewRecvStream(str, recvTask),
	}
}

// Read reads from the receive half.
func (s *Stream) Read(p []byte) (int, error) {
	return s.recv.Read(p)
}

// Write writes to the send half.
func (s *Stream) Write(p []byte) (int, error) {
	return s.send.Write(p)
}

// WriteBuffers writes a vectored buffer set to the send half.
func (s *Stream) WriteBuffers(bufs net.Buffers) (int64, error) {
	return s.send.WriteBuffers(bufs)
}

// Finish gracefully closes the send half only.
func (s *Stream) Finish() error {
	return s.send.Finish()
}

// Close drops both halves and their task handles immediately, whether or
// not Finish was called.
func (s *Stream) Close() error {
	s.send.Close()
	s.recv.Close()
	return nil
}
