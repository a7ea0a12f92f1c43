package notify

import (
	"context"

	"go.uber.org/zap"
)

// Message is a fully rendered notification handed to the delivery
// collaborator. Transport, retries, and deliverability live outside the
// engine; a send failure still consumes the entry's notification attempt.
type Message struct {
	UserID     int64
	Email      string
	Subject    string
	BodyPlain  string
	BodyHTML   string
	FromUserID int64
}

// Notifier delivers a message to one user.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the structured log instead of a mail
// transport. It is the default delivery backend; deployments wire a real
// transport behind the Notifier interface.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send records the notification in the log.
func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	n.logger.Info("notification dispatched",
		zap.Int64("user_id", msg.UserID),
		zap.String("email", msg.Email),
		zap.String("subject", msg.Subject))
	return nil
}
