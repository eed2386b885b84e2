package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"golang.org/x/net/websocket"

	"github.com/ggoodman/livegate/apierr"
	"github.com/ggoodman/livegate/auth"
	"github.com/ggoodman/livegate/internal/jsoncodec"
	"github.com/ggoodman/livegate/sessions"
	"github.com/ggoodman/livegate/sessions/wsconn"
	"github.com/ggoodman/livegate/storage"
)

const maxTopicLen = 128

// Publisher distributes a stored event to the sessions subscribed to its
// topic, possibly on other nodes.
type Publisher interface {
	Publish(ctx context.Context, ev storage.Event) (string, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.version})
}

func (s *Server) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, s.cfg.resourceMeta)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	ctx := r.Context()

	origins := s.cfg.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	websocket.Server{
		Handshake: wsconn.OriginChecker(origins),
		Handler: func(ws *websocket.Conn) {
			conn := wsconn.New(ws, s.cfg.maxFrameSize, wsconn.WithWriteTimeout(s.cfg.writeTimeout))
			sess, err := s.reg.Connect(ctx, conn, clientID)
			if err != nil {
				s.log.InfoContext(ctx, "ws.connect.fail",
					slog.String("client_id", clientID),
					slog.String("err", err.Error()),
				)
				_ = conn.Close(sessions.CloseGoingAway, "")
				return
			}
			s.reg.Serve(ctx, sess)
		},
	}.ServeHTTP(w, r)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(s.docs)
}

// messageSchemas describes the frames exchanged on a session.
func messageSchemas() ([]byte, error) {
	ref := &jsonschema.Reflector{ExpandedStruct: true}
	doc := map[string]map[string]*jsonschema.Schema{
		"inbound": {
			"ping":        ref.Reflect(&sessions.PingFrame{}),
			"subscribe":   ref.Reflect(&sessions.SubscribeFrame{}),
			"unsubscribe": ref.Reflect(&sessions.SubscribeFrame{}),
		},
		"outbound": {
			"pong":         ref.Reflect(&sessions.PongFrame{}),
			"subscribed":   ref.Reflect(&sessions.SubscriptionAck{}),
			"unsubscribed": ref.Reflect(&sessions.SubscriptionAck{}),
			"event":        ref.Reflect(&sessions.EventFrame{}),
			"error":        ref.Reflect(&sessions.ErrorFrame{}),
		},
	}
	data, err := jsoncodec.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("server: encode message schemas: %w", err)
	}
	return data, nil
}

type publishRequest struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (p *publishRequest) Validate() error {
	var v apierr.ValidationError
	switch topic := strings.TrimSpace(p.Topic); {
	case topic == "":
		v.Add("topic", "must not be empty")
	case len(topic) > maxTopicLen:
		v.Add("topic", fmt.Sprintf("must be at most %d characters", maxTopicLen))
	}
	if len(p.Data) > 0 && !json.Valid(p.Data) {
		v.Add("data", "must be valid JSON")
	}
	return v.Err()
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) error {
	var req publishRequest
	if err := apierr.DecodeJSON(r, &req); err != nil {
		return err
	}

	ctx := r.Context()
	id, _ := auth.IdentityFrom(ctx)
	ev, err := s.cfg.store.Append(ctx, storage.Event{
		Topic:     strings.TrimSpace(req.Topic),
		Data:      req.Data,
		Publisher: id.Subject,
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	s.distribute(ctx, ev)
	writeJSON(w, http.StatusCreated, ev)
	return nil
}

// distribute hands ev to the publisher, or delivers it locally when none is
// configured. The event is already stored, so failures are only logged.
func (s *Server) distribute(ctx context.Context, ev storage.Event) {
	if s.cfg.publisher != nil {
		if _, err := s.cfg.publisher.Publish(ctx, ev); err != nil {
			s.log.WarnContext(ctx, "events.publish.fail",
				slog.Int64("event_id", ev.ID),
				slog.String("err", err.Error()),
			)
		}
		return
	}
	frame := sessions.EventFrame{Type: sessions.FrameTypeEvent, Topic: ev.Topic, Data: ev.Data}
	if err := s.reg.Broadcast(ctx, frame, sessions.Subscribed(ev.Topic)); err != nil {
		s.log.WarnContext(ctx, "events.deliver.partial",
			slog.Int64("event_id", ev.ID),
			slog.String("err", err.Error()),
		)
	}
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	var v apierr.ValidationError
	topic := strings.TrimSpace(q.Get("topic"))
	if topic == "" {
		v.Add("topic", "is required")
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			v.Add("limit", "must be a positive integer")
		}
		limit = n
	}
	if err := v.Err(); err != nil {
		return err
	}

	events, err := s.cfg.store.Recent(r.Context(), topic, storage.NormalizeLimit(limit))
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if events == nil {
		events = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
	return nil
}
