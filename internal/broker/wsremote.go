package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSRemoteExecutor carries tool calls to peers over websocket
// connections. Connections are dialed lazily and reused per peer.
type WSRemoteExecutor struct {
	dialer *websocket.Dialer

	mu    sync.Mutex
	conns map[string]*wsConn
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// wsRequest is the wire frame for a remote tool call.
type wsRequest struct {
	ID     string                 `json:"id"`
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// wsResponse is the wire frame for a remote result.
type wsResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewWSRemoteExecutor creates a websocket transport.
func NewWSRemoteExecutor() *WSRemoteExecutor {
	return &WSRemoteExecutor{
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		conns:  make(map[string]*wsConn),
	}
}

// ExecuteOnPeer sends the call and waits for the matching response.
func (w *WSRemoteExecutor) ExecuteOnPeer(ctx context.Context, peer PeerInfo, tool string, params map[string]interface{}) (interface{}, error) {
	conn, err := w.connFor(ctx, peer)
	if err != nil {
		return nil, err
	}

	request := wsRequest{ID: uuid.NewString(), Tool: tool, Params: params}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.conn.SetWriteDeadline(deadline)
		conn.conn.SetReadDeadline(deadline)
	} else {
		conn.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		conn.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}

	if err := conn.conn.WriteJSON(request); err != nil {
		w.dropConn(peer.ID)
		return nil, fmt.Errorf("sending to peer %s: %w", peer.Name, err)
	}

	for {
		var response wsResponse
		if err := conn.conn.ReadJSON(&response); err != nil {
			w.dropConn(peer.ID)
			return nil, fmt.Errorf("reading from peer %s: %w", peer.Name, err)
		}
		if response.ID != request.ID {
			continue // stale frame from an earlier timed-out call
		}
		if response.Error != "" {
			return nil, fmt.Errorf("peer %s: %s", peer.Name, response.Error)
		}
		var result interface{}
		if len(response.Result) > 0 {
			if err := json.Unmarshal(response.Result, &result); err != nil {
				return nil, fmt.Errorf("decoding result from peer %s: %w", peer.Name, err)
			}
		}
		return result, nil
	}
}

// connFor returns the cached connection for a peer, dialing if needed.
func (w *WSRemoteExecutor) connFor(ctx context.Context, peer PeerInfo) (*wsConn, error) {
	w.mu.Lock()
	if existing, ok := w.conns[peer.ID]; ok {
		w.mu.Unlock()
		return existing, nil
	}
	w.mu.Unlock()

	endpoint := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", peer.Host, peer.Port),
		Path:   "/tools/execute",
	}
	conn, _, err := w.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing peer %s at %s: %w", peer.Name, endpoint.String(), err)
	}

	wrapped := &wsConn{conn: conn}
	w.mu.Lock()
	// Another goroutine may have dialed concurrently; keep the first.
	if existing, ok := w.conns[peer.ID]; ok {
		w.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	w.conns[peer.ID] = wrapped
	w.mu.Unlock()
	return wrapped, nil
}

func (w *WSRemoteExecutor) dropConn(peerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.conns[peerID]; ok {
		c.conn.Close()
		delete(w.conns, peerID)
	}
}

// Close tears down all peer connections.
func (w *WSRemoteExecutor) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, c := range w.conns {
		c.conn.Close()
		delete(w.conns, id)
	}
	return nil
}
