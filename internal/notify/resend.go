package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// Compile-time check that ResendNotifier implements Notifier.
var _ Notifier = (*ResendNotifier)(nil)

// ResendNotifier delivers email through the Resend API.
type ResendNotifier struct {
	client *resend.Client
	from   string
}

// NewResendNotifier creates a notifier sending from the given address, e.g.
// "AccountaList <noreply@accountalist.com>".
func NewResendNotifier(apiKey, from string) *ResendNotifier {
	return &ResendNotifier{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

func (n *ResendNotifier) Send(ctx context.Context, msg Message) (Receipt, error) {
	tags := make([]resend.Tag, len(msg.Tags))
	for i, t := range msg.Tags {
		tags[i] = resend.Tag{Name: t.Name, Value: t.Value}
	}

	params := &resend.SendEmailRequest{
		From:    n.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Tags:    tags,
	}

	sent, err := n.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return Receipt{}, fmt.Errorf("resend send: %w", err)
	}

	raw, err := json.Marshal(sent)
	if err != nil {
		raw = []byte("{}")
	}
	return Receipt{
		ProviderMessageID: sent.Id,
		RawResponse:       string(raw),
	}, nil
}
