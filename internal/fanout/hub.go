package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// AudienceAdmin receives every event.
	AudienceAdmin = "admin"
	// AudienceUnclaimed receives events for conversations without an assignee.
	AudienceUnclaimed = "unclaimed"

	subscriberBuffer = 64
)

// OperatorAudience names the private audience of a single operator.
func OperatorAudience(operatorID string) string {
	return "operator:" + operatorID
}

// MessageAudiences computes who should see a message in a conversation:
// always the admin audience, plus the assignee's private audience when the
// conversation is claimed, or the unclaimed pool when it is not.
func MessageAudiences(assigneeID string) []string {
	if assigneeID == "" {
		return []string{AudienceAdmin, AudienceUnclaimed}
	}
	return []string{AudienceAdmin, OperatorAudience(assigneeID)}
}

// AssignmentAudiences computes who should see an assignment change. Both the
// previous and new assignee are included so the losing side can drop the
// conversation from its view. The unclaimed pool hears every transition that
// enters or leaves it: an unassignment, and a claim on a pooled conversation.
func AssignmentAudiences(previousAssigneeID, newAssigneeID string) []string {
	out := []string{AudienceAdmin}
	if previousAssigneeID != "" && previousAssigneeID != newAssigneeID {
		out = append(out, OperatorAudience(previousAssigneeID))
	}
	if newAssigneeID != "" {
		out = append(out, OperatorAudience(newAssigneeID))
	}
	if previousAssigneeID == "" || newAssigneeID == "" {
		out = append(out, AudienceUnclaimed)
	}
	return out
}

// Subscriber receives serialized envelopes for the audiences it joined.
type Subscriber struct {
	id        string
	audiences map[string]struct{}
	ch        chan []byte
	closeOnce sync.Once
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string {
	return s.id
}

// C is the delivery channel. It is closed when the subscriber is removed.
func (s *Subscriber) C() <-chan []byte {
	return s.ch
}

func (s *Subscriber) memberOf(audience string) bool {
	_, ok := s.audiences[audience]
	return ok
}

// Hub routes events to long-lived subscribers partitioned by audience.
// Publishing with no subscribers is a no-op.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log.With(slog.String("service", "fanout")),
		subs: map[*Subscriber]struct{}{},
	}
}

// Subscribe registers a new subscriber for the given audiences.
func (h *Hub) Subscribe(audiences ...string) *Subscriber {
	sub := &Subscriber{
		id:        uuid.NewString(),
		audiences: make(map[string]struct{}, len(audiences)),
		ch:        make(chan []byte, subscriberBuffer),
	}
	for _, a := range audiences {
		sub.audiences[a] = struct{}{}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if present {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}

// PublishMessage fans a message event out to the given audiences.
func (h *Hub) PublishMessage(audiences []string, ev MessageEvent) {
	h.publish(audiences, Envelope{Type: EventMessage, Payload: ev})
}

// PublishAssignment fans an assignment event out to the given audiences.
func (h *Hub) PublishAssignment(audiences []string, ev AssignmentEvent) {
	h.publish(audiences, Envelope{Type: EventAssignment, Payload: ev})
}

func (h *Hub) publish(audiences []string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error("marshal event", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		match := false
		for _, a := range audiences {
			if sub.memberOf(a) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		select {
		case sub.ch <- data:
		default:
			// Slow consumer. Drop rather than block the pipeline.
			h.log.Warn("subscriber buffer full, dropping event",
				slog.String("subscriber", sub.id),
				slog.String("type", env.Type))
		}
	}
}
