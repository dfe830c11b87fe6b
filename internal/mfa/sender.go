package mfa

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogSender is the development Sender: it logs codes instead of sending
// them. SMS/email transport is an external collaborator in production.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) SendOTP(ctx context.Context, channel Type, userID uuid.UUID, code string) error {
	slog.InfoContext(ctx, "otp_sent",
		"channel", string(channel),
		"user_id", userID.String(),
		"code", code, // dev convenience; production uses a real provider
	)
	return nil
}

func (s *LogSender) SendMagicLink(ctx context.Context, userID uuid.UUID, token string) error {
	slog.InfoContext(ctx, "magic_link_sent",
		"user_id", userID.String(),
		"token", token,
	)
	return nil
}
