package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// LogNotifier records outgoing mail in the log instead of sending it. Used
// when no provider API key is configured, and in tests.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) (Receipt, error) {
	id := "log-" + uuid.New().String()
	n.logger.Info("email suppressed, no provider configured",
		"to", msg.To, "subject", msg.Subject, "message_id", id)
	return Receipt{
		ProviderMessageID: id,
		RawResponse:       fmt.Sprintf(`{"id":%q,"suppressed":true}`, id),
	}, nil
}
