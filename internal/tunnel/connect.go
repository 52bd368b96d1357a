package tunnel

import "github.com/praxos/quictun/internal/protocol"

// ConnectTx is a connect message under construction for transmission. It
// owns its header and holds a task handle until the header has been fully
// written to the stream.
type ConnectTx struct {
	header protocol.ConnectHeader
	task   *Task
}

// NewConnectTx builds a connect message for the given target. The task
// handle is released by Sent.
func NewConnectTx(task *Task, addr protocol.Address) *ConnectTx {
	return &ConnectTx{
		header: protocol.NewConnectHeader(addr),
		task:   task,
	}
}

// Header returns an immutable view of the header to serialize.
func (c *ConnectTx) Header() protocol.ConnectHeader {
	return c.header
}

// Sent releases the task handle once the header is on the wire.
func (c *ConnectTx) Sent() {
	c.task.Done()
}

// ConnectRx is a connect message observed on the wire. It is only
// produced by the decode path.
type ConnectRx struct {
	header protocol.ConnectHeader
}

// ReceiveConnect wraps a decoded connect header.
func ReceiveConnect(header protocol.ConnectHeader) *ConnectRx {
	return &ConnectRx{header: header}
}

// Addr returns the relay target carried by the message.
func (c *ConnectRx) Addr() protocol.Address {
	return c.header.Addr
}
