package realtime

import (
	"context"

	"nhooyr.io/websocket"
)

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// WebsocketDialer returns the production Dialer. The server pushes JSON text
// frames; read limits stay at the library default.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, rawURL string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, rawURL, nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}
}
