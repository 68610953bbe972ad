package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/curetrials/trialchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Events fans session changes out to the pages subscribed through server-sent events. Every chat surface
// has its own topic, so a page only receives the turns of its own session.
type Events struct {
	sseSrv   *sse.Server
	renderer renderer

	logger *slog.Logger
}

// SSE event types for real-time updates.
const (
	turnEvent         = "turn"
	locationsEvent    = "locations"
	conversationEvent = "conversation"
	closeEvent        = "close"
)

// NewEvents creates the SSE publisher. Subscriptions are identified by the surface cookie; requests
// without one are refused.
func NewEvents(logger *slog.Logger) *Events {
	logger = logger.With(slog.String("module", "events"))
	return &Events{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				c, err := s.Req.Cookie(sessionCookieName)
				if err != nil || c.Value == "" {
					return sse.Subscription{}, false
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, sessionTopic(c.Value)},
				}, true
			},
		},
		renderer: newRenderer(logger),
		logger:   logger,
	}
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// ServeHTTP subscribes the request to its session topic.
func (e *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.sseSrv.ServeHTTP(w, r)
}

// PublishTurn sends the rendered snapshot of a turn.
func (e *Events) PublishTurn(sessionID string, turn models.Turn) {
	e.publish(sessionID, turnEvent, e.renderer.turn(turn))
}

// PublishLocations sends the resolved locations of an assistant turn.
func (e *Events) PublishLocations(sessionID, turnID string, locs []models.Location) {
	e.publish(sessionID, locationsEvent, locationsView{TurnID: turnID, Locations: locs})
}

// PublishConversation announces that the session now belongs to a persisted conversation.
func (e *Events) PublishConversation(sessionID string, conv models.Conversation) {
	e.publish(sessionID, conversationEvent, conv)
}

func (e *Events) publish(sessionID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("Failed to marshal event",
			slog.String("event", event),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: sse.Type(event),
	}
	msg.AppendData(string(data))

	if err := e.sseSrv.Publish(&msg, sessionTopic(sessionID)); err != nil {
		e.logger.Error("Failed to publish event",
			slog.String("event", event),
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown broadcasts a close event to all connected pages and waits up to 5 seconds for connections to
// terminate. After the timeout, any remaining connections are forcefully closed.
func (e *Events) Shutdown(ctx context.Context) error {
	msg := &sse.Message{Type: sse.Type(closeEvent)}
	// Data is required for the event to be dispatched by browsers.
	msg.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = e.sseSrv.Publish(msg)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return e.sseSrv.Shutdown(ctx)
}
