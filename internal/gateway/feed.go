package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/opspipe/internal/bus"
	"github.com/basket/opspipe/internal/notify"
)

type feedClient struct {
	conn *websocket.Conn
}

// feedFilter narrows the change feed to a table prefix and an optional row
// predicate. Delivery is at-least-once from the consumer's point of view;
// clients refetch on reconnect rather than relying on completeness.
type feedFilter struct {
	topic      string
	taskID     string
	assignedTo string
	userID     string
}

func (f feedFilter) match(ev bus.Event) bool {
	switch payload := ev.Payload.(type) {
	case bus.TaskChangedEvent:
		if f.taskID != "" && payload.TaskID != f.taskID {
			return false
		}
		if f.assignedTo != "" && payload.AssignedTo != f.assignedTo {
			return false
		}
	case bus.StepChangedEvent:
		if f.taskID != "" && payload.TaskID != f.taskID {
			return false
		}
	case notify.Notification:
		if ev.Topic == bus.TopicNotifyUser && f.userID != "" && payload.RecipientID != f.userID {
			return false
		}
	}
	return true
}

// handleWS streams bus events matching the query filters:
//
//	/ws?topic=task.&assigned_to=worker-1
//	/ws?topic=step.&task_id=<id>
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	q := r.URL.Query()
	filter := feedFilter{
		topic:      q.Get("topic"),
		taskID:     q.Get("task_id"),
		assignedTo: q.Get("assigned_to"),
		userID:     q.Get("user_id"),
	}

	c := &feedClient{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("feed client connected", "topic", filter.topic)
	defer func() {
		s.removeClient(c)
		s.cfg.Logger.Info("feed client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe(filter.topic)
	defer s.cfg.Bus.Unsubscribe(sub)

	// Reads are drained only to detect disconnect; the feed is one-way.
	readCtx, cancelRead := context.WithCancel(r.Context())
	defer cancelRead()
	go func() {
		defer cancelRead()
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readCtx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !filter.match(ev) {
				continue
			}
			writeCtx, cancel := context.WithTimeout(readCtx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, map[string]any{
				"topic":   ev.Topic,
				"payload": ev.Payload,
			})
			cancel()
			if err != nil {
				s.cfg.Logger.Warn("feed write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(c *feedClient) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.FeedClients.Add(context.Background(), 1)
	}
}

func (s *Server) removeClient(c *feedClient) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.FeedClients.Add(context.Background(), -1)
	}
}
