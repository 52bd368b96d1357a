// Package tunnel ties protocol messages to QUIC streams and governs the
// lifetime of in-flight work against the relay connection.
//
// Protocol objects come in two sides. A Tx value is only constructible
// with every header field supplied and carries a task handle for the
// pending send; an Rx value is only produced by the decode path. The two
// sides are distinct concrete types, so a message under construction for
// transmission cannot be mistaken for one observed on the wire.
//
// Task handles form a shared live-work count per connection. While any
// handle is outstanding the connection's idle logic must not tear the
// connection down.
package tunnel
