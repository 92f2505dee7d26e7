package notifier

import (
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"github.com/vitos/crypto_ob_trader/internal/config"
	"go.uber.org/zap"
)

// LogNotifier writes every notification to the structured log. It is the
// default sink and also wraps the email notifier so alerts are never only
// in a mailbox.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(kind string, payload map[string]string) {
	fields := make([]zap.Field, 0, len(payload)+1)
	fields = append(fields, zap.String("kind", kind))

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, payload[k]))
	}
	n.logger.Info("Notification", fields...)
}

// EmailNotifier sends notifications over SMTP. Delivery failures are
// logged and dropped; a trade must never fail because a mail server is
// down.
type EmailNotifier struct {
	cfg    config.NotifierConfig
	log    *LogNotifier
	logger *zap.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(cfg config.NotifierConfig, logger *zap.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		log:    NewLogNotifier(logger),
		logger: logger,
		send:   smtp.SendMail,
	}
}

func (n *EmailNotifier) Notify(kind string, payload map[string]string) {
	n.log.Notify(kind, payload)

	var body strings.Builder
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&body, "%s: %s\r\n", k, payload[k])
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [ob-trader] %s\r\n\r\n%s",
		n.cfg.From, n.cfg.To, kind, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	var auth smtp.Auth
	if n.cfg.SMTPPassword != "" {
		auth = smtp.PlainAuth("", n.cfg.From, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	if err := n.send(addr, auth, n.cfg.From, []string{n.cfg.To}, []byte(msg)); err != nil {
		n.logger.Error("Failed to send notification email",
			zap.String("kind", kind),
			zap.Error(err))
	}
}
