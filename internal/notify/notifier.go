// Package notify abstracts outbound email delivery behind a small interface
// so workers and tests don't depend on a concrete provider.
package notify

import "context"

// Tag is a key/value pair attached to an outbound email. The receipt
// ingestor correlates asynchronous provider events back to escalations via
// the escalation_id tag.
type Tag struct {
	Name  string
	Value string
}

// Message is one outbound notification.
type Message struct {
	To      string
	Subject string
	HTML    string
	Tags    []Tag
}

// Receipt is the provider's synchronous acknowledgment of a send.
type Receipt struct {
	ProviderMessageID string
	RawResponse       string // raw provider response, JSON
}

// Notifier sends a single message. Implementations own their timeouts; a
// timeout surfaces as an ordinary send error.
type Notifier interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}
