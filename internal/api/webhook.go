package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/accountalist/accountalist/internal/escalation"
	"github.com/accountalist/accountalist/internal/storage"
)

// resendEvent is the provider webhook envelope. Tags arrive either as a
// list of name/value pairs or a flat map depending on the event type.
type resendEvent struct {
	Type      string    `json:"type"` // "email.sent", "email.delivered", ...
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		EmailID    string          `json:"email_id"`
		To         []string        `json:"to"`
		Subject    string          `json:"subject"`
		BounceType string          `json:"bounce_type"`
		Reason     string          `json:"reason"`
		Tags       json.RawMessage `json:"tags"`
	} `json:"data"`
}

func handleResendWebhook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.WebhookSecret != "" {
			got := r.Header.Get("X-Webhook-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(deps.WebhookSecret)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid webhook secret")
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		raw, event, err := decodeResendEvent(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid webhook payload: %v", err)
			return
		}

		escalationID := tagValue(event.Data.Tags, "escalation_id")
		if escalationID == "" {
			// Not an escalation email. Acknowledge so the provider stops retrying.
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "ignored"})
			return
		}

		ev := escalation.Event{
			Type:            normalizeEventType(event.Type),
			EscalationID:    escalationID,
			Timestamp:       event.CreatedAt,
			EmailID:         event.Data.EmailID,
			Subject:         event.Data.Subject,
			Reason:          bounceDetail(event),
			ProviderPayload: raw,
		}
		if len(event.Data.To) > 0 {
			ev.Recipient = event.Data.To[0]
		}

		if err := deps.Ingestor.Process(ev); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "unknown escalation %s", escalationID)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to process event: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "processed"})
	}
}

func decodeResendEvent(r *http.Request) (json.RawMessage, resendEvent, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, resendEvent{}, err
	}
	var event resendEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, resendEvent{}, err
	}
	if event.Type == "" {
		return nil, resendEvent{}, errors.New("missing event type")
	}
	return raw, event, nil
}

// normalizeEventType strips the "email." prefix from the provider's event
// name. Unknown types pass through and are logged by the ingestor.
func normalizeEventType(providerType string) escalation.EventType {
	name := strings.TrimPrefix(providerType, "email.")
	switch name {
	case "delivery_delayed":
		return escalation.EventType("delayed")
	default:
		return escalation.EventType(name)
	}
}

// tagValue finds a tag by name in either of the two shapes the provider
// sends: [{"name":"x","value":"y"}] or {"x":"y"}.
func tagValue(tags json.RawMessage, name string) string {
	if len(tags) == 0 {
		return ""
	}
	var pairs []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(tags, &pairs); err == nil {
		for _, p := range pairs {
			if p.Name == name {
				return p.Value
			}
		}
		return ""
	}
	var m map[string]string
	if err := json.Unmarshal(tags, &m); err == nil {
		return m[name]
	}
	return ""
}

func bounceDetail(event resendEvent) string {
	switch {
	case event.Data.Reason != "" && event.Data.BounceType != "":
		return event.Data.BounceType + ": " + event.Data.Reason
	case event.Data.Reason != "":
		return event.Data.Reason
	default:
		return event.Data.BounceType
	}
}
