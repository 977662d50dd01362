package httpcore

import (
	"net"
	"time"

	"github.com/markdingo/netstring"
)

// defaultPrefaceDeadline bounds how long a preface probe will wait for its
// framed preamble before giving up and treating the connection as dead.
const defaultPrefaceDeadline = 2 * time.Second

// NetstringPreface builds an AddrIncoming preface probe (see AddrIncoming.
// WithPreface) that expects exactly one netstring-framed preamble before
// any HTTP traffic, and hands its payload to validate. This is the same
// length-prefixed framing this codebase's sibling socketmap protocol
// servers speak on their control connections; exposed here as a reusable
// hook for embedders that need an equivalent lightweight handshake (e.g. a
// PROXY-protocol-style peer identification string) ahead of HTTP/1.x.
//
// A non-nil return from validate, or any read/decode failure, closes the
// connection before it ever reaches Serve.
func NetstringPreface(validate func(payload []byte) error) func(net.Conn) error {
	return func(conn net.Conn) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultPrefaceDeadline))
		defer conn.SetReadDeadline(time.Time{})

		decoder := netstring.NewDecoder(conn)
		payload, err := decoder.Decode()
		if err != nil {
			return err
		}
		return validate(payload)
	}
}
