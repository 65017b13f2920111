// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package notify delivers verification tokens to account holders.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/wneessen/go-mail"

	"github.com/authkeep/authkeep/internal/auth"
)

// SMTPConfig holds SMTP delivery settings.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
	FromName string `koanf:"from_name"`
	TLS      bool   `koanf:"tls"`
	// BaseURL is the public URL verification links point at.
	BaseURL string `koanf:"base_url"`
}

// Sender sends composed messages.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPNotifier emails verification tokens.
type SMTPNotifier struct {
	cfg    SMTPConfig
	sender Sender
	logger *slog.Logger
}

// NewSMTPNotifier creates an SMTPNotifier backed by a go-mail client.
func NewSMTPNotifier(cfg SMTPConfig, logger *slog.Logger) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("smtp host is required")
	}
	client, err := mail.NewClient(cfg.Host, clientOptions(cfg)...)
	if err != nil {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").
			With("host", cfg.Host).
			Wrapf(err, "create mail client")
	}
	return NewSMTPNotifierWithSender(cfg, client, logger)
}

// NewSMTPNotifierWithSender creates an SMTPNotifier that sends through sender.
func NewSMTPNotifierWithSender(cfg SMTPConfig, sender Sender, logger *slog.Logger) (*SMTPNotifier, error) {
	if cfg.From == "" {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("smtp from address is required")
	}
	if sender == nil {
		return nil, oops.Errorf("sender is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &SMTPNotifier{cfg: cfg, sender: sender, logger: logger}, nil
}

func clientOptions(cfg SMTPConfig) []mail.Option {
	opts := []mail.Option{}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		if cfg.Port == 465 {
			opts = append(opts, mail.WithSSL())
		}
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return opts
}

// NotifyVerification emails the token for notice to its address.
func (n *SMTPNotifier) NotifyVerification(ctx context.Context, notice auth.VerificationNotice) error {
	msg, err := n.compose(notice)
	if err != nil {
		return err
	}
	if err := n.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return oops.Code("NOTIFY_SEND_FAILED").
			With("user_id", notice.UserID.String()).
			With("kind", string(notice.Kind)).
			Wrapf(err, "send verification email")
	}
	n.logger.InfoContext(ctx, "verification email sent",
		"user_id", notice.UserID.String(),
		"kind", string(notice.Kind))
	return nil
}

func (n *SMTPNotifier) compose(notice auth.VerificationNotice) (*mail.Msg, error) {
	msg := mail.NewMsg()
	var err error
	if n.cfg.FromName != "" {
		err = msg.FromFormat(n.cfg.FromName, n.cfg.From)
	} else {
		err = msg.From(n.cfg.From)
	}
	if err != nil {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").With("from", n.cfg.From).Wrapf(err, "set from address")
	}
	if err := msg.To(notice.EmailAddress); err != nil {
		return nil, oops.Code("NOTIFY_INVALID_RECIPIENT").
			With("user_id", notice.UserID.String()).
			Wrapf(err, "set recipient")
	}
	msg.Subject(subject(notice.Kind))
	msg.SetBodyString(mail.TypeTextPlain, n.body(notice))
	return msg, nil
}

func subject(kind auth.VerificationKind) string {
	if kind == auth.VerificationPasswordReset {
		return "Reset your password"
	}
	return "Confirm your email address"
}

func (n *SMTPNotifier) link(notice auth.VerificationNotice) string {
	path := "/verify-email"
	if notice.Kind == auth.VerificationPasswordReset {
		path = "/reset-password"
	}
	q := url.Values{}
	q.Set("user", notice.UserID.String())
	q.Set("token", notice.Token)
	q.Set("pepper", notice.Pepper)
	return n.cfg.BaseURL + path + "?" + q.Encode()
}

func (n *SMTPNotifier) body(notice auth.VerificationNotice) string {
	var b strings.Builder
	name := notice.Username
	if name == "" {
		name = notice.EmailAddress
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	if notice.Kind == auth.VerificationPasswordReset {
		b.WriteString("Use the link below to choose a new password.\n\n")
	} else {
		b.WriteString("Use the link below to confirm your email address.\n\n")
	}
	b.WriteString(n.link(notice))
	b.WriteString("\n")
	if notice.ExpiresAt != nil {
		fmt.Fprintf(&b, "\nThis link expires at %s.\n", notice.ExpiresAt.UTC().Format(time.RFC1123))
	}
	b.WriteString("\nIf you did not ask for this, ignore this message.\n")
	return b.String()
}

var _ auth.Notifier = (*SMTPNotifier)(nil)
