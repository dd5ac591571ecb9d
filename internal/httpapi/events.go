package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/planning"
)

const (
	eventWriteWait    = 10 * time.Second
	eventReadWait     = 120 * time.Second
	eventPingInterval = 30 * time.Second
)

// handleEventsWS streams planner events for one agent. The first message is
// a queue_update carrying the current queue. Client messages are read only to
// notice the close; pings keep a silent client inside the read deadline.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := p.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	q := p.GetQueueState()
	hello := planning.Event{
		Type:    planning.EventQueueUpdate,
		AgentID: p.AgentID(),
		Queue:   &q,
		At:      time.Now().UTC(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	if err := conn.WriteJSON(hello); err != nil {
		return
	}
	s.countStreamed(hello.Type)

	pingEvery := s.pingEvery
	if pingEvery <= 0 {
		pingEvery = eventPingInterval
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ping := time.NewTicker(pingEvery)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
					s.logger.Debug("event stream ping failed",
						zap.String("agent_id", p.AgentID()),
						zap.Error(err),
					)
					return
				}
			case evt, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := conn.WriteJSON(evt); err != nil {
					s.logger.Debug("event stream write failed",
						zap.String("agent_id", p.AgentID()),
						zap.Error(err),
					)
					return
				}
				s.countStreamed(evt.Type)
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(eventReadWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(eventReadWait))
		return nil
	})

	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-readErr:
		cancel()
	case <-ctx.Done():
	}
	<-writerDone
}

func (s *Server) countStreamed(t planning.EventType) {
	if s.metrics != nil {
		s.metrics.StreamedEvents.WithLabelValues(string(t)).Inc()
	}
}
