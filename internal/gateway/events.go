package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/bus"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/shared"
)

// wsEvent is the frame pushed to event stream subscribers.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEvents streams the principal's task lifecycle events over a
// websocket. Slow consumers miss events rather than stalling the bus; the
// durable task_events trail is the source of truth, this stream is a tap.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := shared.PrincipalID(ctx)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Explicit origin allowlist for cross-origin requests. Same-origin
		// requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)
	s.cfg.Logger.Info("event stream connected", "principal_id", principal)

	// Drain reads so pings and client closes surface promptly.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !eventForPrincipal(ev, principal) {
				continue
			}
			if err := wsjson.Write(ctx, conn, wsEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				s.cfg.Logger.Warn("event stream write failed", "principal_id", principal, "error", err)
				return
			}
		}
	}
}

// eventForPrincipal filters the shared bus down to the caller's own events.
func eventForPrincipal(ev bus.Event, principal string) bool {
	switch payload := ev.Payload.(type) {
	case bus.TaskEvent:
		return payload.PrincipalID == principal
	case bus.LoopEvent:
		return payload.PrincipalID == principal
	default:
		return false
	}
}
