package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/internal/monitoring"
)

const defaultStreamBuffer = 64

// LiveIngestor opens live subscriptions for an intersection
type LiveIngestor struct {
	transport  domain.LiveTransport
	quarantine domain.Quarantine
}

// NewLiveIngestor creates a live ingestor. quarantine may be nil, in which
// case rejected payloads are only logged.
func NewLiveIngestor(transport domain.LiveTransport, quarantine domain.Quarantine) *LiveIngestor {
	return &LiveIngestor{transport: transport, quarantine: quarantine}
}

// Subscribe opens one subscription per live stream of the intersection
// named by q. ctx bounds connection setup only; the session lives until
// Stop. Delivery starts with Run.
func (l *LiveIngestor) Subscribe(ctx context.Context, q domain.QueryParams) (*LiveSession, error) {
	topics := make([]string, 0, len(domain.LiveStreams))
	for _, kind := range domain.LiveStreams {
		topics = append(topics, domain.Topic(q.RoadRegulatorID, q.IntersectionID, kind))
	}
	sub, err := l.transport.Subscribe(ctx, topics)
	if err != nil {
		return nil, fmt.Errorf("live ingestor: %w: %w", domain.ErrSubscribeFailure, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		sub:        sub,
		quarantine: l.quarantine,
		topics:     topics,
		ctx:        sessCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

// LiveSession is one open set of live subscriptions. Messages are
// demultiplexed onto one channel per stream and each stream is consumed by
// its own loop, so per-stream order is preserved.
type LiveSession struct {
	sub        domain.Subscription
	quarantine domain.Quarantine
	topics     []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

// Topics returns the subscribed topics.
func (s *LiveSession) Topics() []string { return s.topics }

// Run starts delivery. merge is called once per decoded message from the
// loop of the message's stream; it is never called after Stop returns.
func (s *LiveSession) Run(merge func(domain.Message)) {
	s.startOnce.Do(func() {
		streams := make(map[domain.StreamKind]chan domain.LiveMessage, len(domain.LiveStreams))
		for _, kind := range domain.LiveStreams {
			ch := make(chan domain.LiveMessage, defaultStreamBuffer)
			streams[kind] = ch
			s.wg.Add(1)
			go s.consume(kind, ch, merge)
		}
		s.wg.Add(1)
		go s.demux(streams)

		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
}

// Stop unsubscribes, releases the transport and waits for every loop to
// exit. It is safe to call more than once.
func (s *LiveSession) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if err := s.sub.Close(); err != nil {
			s.closeErr = fmt.Errorf("live ingestor: failed to close subscription: %w", err)
		}
		// Never started: nothing to wait for.
		s.startOnce.Do(func() { close(s.done) })
	})
	<-s.done
	return s.closeErr
}

// Done is closed once every loop has exited.
func (s *LiveSession) Done() <-chan struct{} { return s.done }

// Err reports why the transport ended, nil when it was stopped.
func (s *LiveSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *LiveSession) demux(streams map[domain.StreamKind]chan domain.LiveMessage) {
	defer s.wg.Done()
	defer func() {
		for _, ch := range streams {
			close(ch)
		}
	}()

	msgs := s.sub.Messages()
	for {
		select {
		case <-s.ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				if s.ctx.Err() == nil {
					s.mu.Lock()
					s.err = fmt.Errorf("live ingestor: %w: transport closed: %v", domain.ErrSubscribeFailure, s.sub.Err())
					s.mu.Unlock()
				}
				return
			}
			kind, known := domain.KindOfTopic(m.Topic)
			ch, subscribed := streams[kind]
			if !known || !subscribed {
				s.reject(m, fmt.Errorf("%w: unexpected topic %q", domain.ErrMalformedPayload, m.Topic))
				continue
			}
			select {
			case ch <- m:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *LiveSession) consume(kind domain.StreamKind, ch <-chan domain.LiveMessage, merge func(domain.Message)) {
	defer s.wg.Done()
	for m := range ch {
		if s.ctx.Err() != nil {
			return
		}
		msg, err := domain.DecodeMessage(kind, m.Body)
		if err != nil {
			s.reject(m, err)
			continue
		}
		merge(msg)
	}
}

func (s *LiveSession) reject(m domain.LiveMessage, reason error) {
	monitoring.Logf("live ingestor: rejected message on %s: %v", m.Topic, reason)
	if s.quarantine == nil {
		return
	}
	err := s.quarantine.Put(domain.RejectedMessage{
		ID:         uuid.NewString(),
		Topic:      m.Topic,
		Body:       m.Body,
		Reason:     reason.Error(),
		RejectedAt: time.Now().UTC(),
	})
	if err != nil {
		monitoring.Logf("live ingestor: failed to quarantine message on %s: %v", m.Topic, err)
	}
}
