//go:build !unix

package httpcore

import (
	"context"
	"net"
)

// reusePortSupported is false on non-Unix platforms; RunWorkers refuses
// n>1 rather than silently degrading to a single worker.
const reusePortSupported = false

// listenReusable binds addr as plain TCP. SO_REUSEPORT has no portable
// equivalent outside Unix, so only SO_REUSEADDR-equivalent defaults apply.
func listenReusable(addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", addr)
}
