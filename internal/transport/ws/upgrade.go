package ws

import (
	"bufio"
	"fmt"
	"net/http"

	"github.com/gobwas/ws"
)

// Upgrade completes the WebSocket handshake for r and wraps the hijacked
// connection. On failure the handshake error has already been written to w.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	return NewConn(conn, br, r.RemoteAddr, opts), nil
}
