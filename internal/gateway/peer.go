package gateway

import (
	"encoding/json"
	"sync"

	"github.com/fasthttp/websocket"

	"github.com/3D-Smile-Solutions/omnidentai-crm-sub000/internal/chat"
)

// ConnLike is the slice of a websocket connection the peer pumps need,
// kept narrow so tests can substitute a fake connection.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Peer is one connected staff session.
type Peer struct {
	ID    string // staff id resolved from the bearer credential
	Label string
	Conn  ConnLike
	Send  chan []byte

	mu     sync.Mutex
	closed bool
}

// shutdown ends the write pump. Safe to call more than once.
func (p *Peer) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.Send)
	}
}

// ReadPump consumes inbound frames and routes them into the hub until the
// connection drops.
func (p *Peer) ReadPump(h *Hub) {
	defer h.Unregister(p)
	for {
		_, frame, err := p.Conn.ReadMessage()
		if err != nil {
			return
		}
		var env chat.Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			continue
		}
		h.Dispatch(p, env)
	}
}

// WritePump drains the send queue onto the connection.
func (p *Peer) WritePump() {
	for frame := range p.Send {
		_ = p.Conn.WriteMessage(websocket.TextMessage, frame)
	}
}

// push queues a frame without blocking; a slow consumer loses frames
// rather than stalling the hub, and a departed peer drops them.
func (p *Peer) push(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.Send <- frame:
	default:
	}
}
