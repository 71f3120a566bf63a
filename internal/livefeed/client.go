package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/internal/monitoring"
)

const (
	writeWait     = 5 * time.Second
	messageBuffer = 256
)

// Client dials a live feed server. It implements domain.LiveTransport.
type Client struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
}

// NewClient creates a client for the websocket endpoint at url
func NewClient(url string) *Client {
	return &Client{url: url, dialer: websocket.DefaultDialer}
}

// WithHeader sets headers sent with the websocket handshake
func (c *Client) WithHeader(h http.Header) *Client {
	c.header = h
	return c
}

// Subscribe dials the server and subscribes to topics. ctx bounds the dial
// and the subscribe frame only.
func (c *Client) Subscribe(ctx context.Context, topics []string) (domain.Subscription, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, fmt.Errorf("livefeed: failed to dial %s: %w", c.url, err)
	}
	if err := writeFrame(conn, frame{Type: FrameSubscribe, Topics: topics}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("livefeed: failed to subscribe: %w", err)
	}
	monitoring.Logf("livefeed: subscribed to %d topics on %s", len(topics), c.url)

	s := &subscription{
		conn:    conn,
		topics:  topics,
		msgs:    make(chan domain.LiveMessage, messageBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type subscription struct {
	conn    *websocket.Conn
	topics  []string
	msgs    chan domain.LiveMessage
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *subscription) Messages() <-chan domain.LiveMessage { return s.msgs }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		if werr := writeFrame(s.conn, frame{Type: FrameUnsubscribe, Topics: s.topics}); werr == nil {
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
		}
		err = s.conn.Close()
		<-s.done
	})
	return err
}

func (s *subscription) readLoop() {
	defer close(s.done)
	defer close(s.msgs)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.setErr(fmt.Errorf("livefeed: read failed: %w", err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			monitoring.Logf("livefeed: dropping unparseable frame: %v", err)
			continue
		}
		switch f.Type {
		case FrameError:
			monitoring.Logf("livefeed: server error: %s", f.Message)
			continue
		case FrameMessage, "":
		default:
			continue
		}
		if f.Topic == "" {
			continue
		}

		select {
		case s.msgs <- domain.LiveMessage{Topic: f.Topic, Body: []byte(f.Body)}:
		case <-s.closing:
			return
		}
	}
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func writeFrame(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// IsClosed reports whether err is the normal end of a websocket session.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}
