package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSender writes messages to the log instead of delivering them. It backs
// the "log" mail backend used in development.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements bundle.Sender.
func (s *LogSender) Send(_ context.Context, recipient, subject, body string) error {
	s.logger.Info("mail",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
