package livefeed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartcity/intersection/internal/monitoring"
)

const peerBuffer = 256

// Hub is the server side of the feed: it accepts websocket clients and
// fans published messages out to the peers subscribed to each topic.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
	wg     sync.WaitGroup
}

type peer struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	topics map[string]struct{}
}

func (p *peer) subscribed(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.topics[topic]
	return ok
}

// NewHub creates a hub accepting any origin
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		peers:    make(map[*peer]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("livefeed: upgrade failed: %v", err)
		return
	}
	p := &peer{conn: conn, send: make(chan []byte, peerBuffer), topics: make(map[string]struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.peers[p] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	go h.writeLoop(p)
	h.readLoop(p)
}

func (h *Hub) readLoop(p *peer) {
	defer h.wg.Done()
	defer h.drop(p)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !IsClosed(err) {
				monitoring.Logf("livefeed: peer %s: %v", p.conn.RemoteAddr(), err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.reply(p, frame{Type: FrameError, Message: fmt.Sprintf("invalid frame: %v", err)})
			continue
		}
		p.mu.Lock()
		switch f.Type {
		case FrameSubscribe:
			for _, t := range f.Topics {
				p.topics[t] = struct{}{}
			}
		case FrameUnsubscribe:
			for _, t := range f.Topics {
				delete(p.topics, t)
			}
		default:
			p.mu.Unlock()
			h.reply(p, frame{Type: FrameError, Message: fmt.Sprintf("unknown frame type %q", f.Type)})
			continue
		}
		p.mu.Unlock()
	}
}

func (h *Hub) writeLoop(p *peer) {
	for data := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			p.conn.Close()
			for range p.send {
			}
			return
		}
	}
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	p.conn.Close()
}

func (h *Hub) reply(p *peer, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; ok {
		select {
		case p.send <- data:
		default:
		}
	}
}

func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.send)
	}
}

// Publish sends v to every peer subscribed to topic and returns how many
// peers it was queued for. Slow peers whose buffer is full miss the message.
func (h *Hub) Publish(topic string, v any) (int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("livefeed: failed to encode %s: %w", topic, err)
	}
	data, err := json.Marshal(frame{Type: FrameMessage, Topic: topic, Body: body})
	if err != nil {
		return 0, fmt.Errorf("livefeed: failed to encode frame: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for p := range h.peers {
		if !p.subscribed(topic) {
			continue
		}
		select {
		case p.send <- data:
			sent++
		default:
			monitoring.Logf("livefeed: peer %s is slow, dropping %s", p.conn.RemoteAddr(), topic)
		}
	}
	return sent, nil
}

// Subscribers returns how many peers are subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for p := range h.peers {
		if p.subscribed(topic) {
			n++
		}
	}
	return n
}

// Close disconnects every peer and waits for their loops to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for p := range h.peers {
		delete(h.peers, p)
		close(p.send)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
