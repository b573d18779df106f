package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// gorillaDial is the production Dialer.
func gorillaDial(ctx context.Context, url string) (Conn, ReadConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, nil, err
	}
	return ws, ws, nil
}
