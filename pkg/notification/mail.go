package notification

import (
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const subjectPrefix = "[capvault]"

// Mail emails every committed record and aborted operation to the operators
type Mail struct {
	server string
	from   string
	to     []string
	auth   smtp.Auth
	clock  func() time.Time
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// MailParams configures the SMTP relay. To may list several comma-separated
// addresses.
type MailParams struct {
	SMTPServerPort    int
	SMTPServerAddress string
	To                string
	From              string
	Password          string
}

// NewMail authenticates against the relay with From and Password
func NewMail(params MailParams) Mail {
	recipients := lo.Map(strings.Split(params.To, ","), func(to string, _ int) string {
		return strings.TrimSpace(to)
	})

	return Mail{
		server: net.JoinHostPort(params.SMTPServerAddress, strconv.Itoa(params.SMTPServerPort)),
		from:   params.From,
		to:     lo.Compact(recipients),
		auth:   smtp.PlainAuth("", params.From, params.Password, params.SMTPServerAddress),
		clock:  time.Now,
		send:   smtp.SendMail,
	}
}

// compose renders a plain-text message with a Q-encoded subject
func (m Mail) compose(subject, body string) []byte {
	var sb strings.Builder
	for _, header := range [][2]string{
		{"From", m.from},
		{"To", strings.Join(m.to, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", subjectPrefix+" "+subject)},
		{"Date", m.clock().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", `text/plain; charset="utf-8"`},
	} {
		fmt.Fprintf(&sb, "%s: %s\r\n", header[0], header[1])
	}
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(sb.String())
}

// Notify sends one message to every recipient
func (m Mail) Notify(subject, body string) {
	if len(m.to) == 0 {
		return
	}
	if err := m.send(m.server, m.auth, m.from, m.to, m.compose(subject, body)); err != nil {
		log.WithError(err).WithField("subject", subject).Error("notification/mail: failed to send email")
	}
}

// OnRecord implements core.Notifier
func (m Mail) OnRecord(record core.Record) {
	var body strings.Builder
	body.WriteString(record.String())
	body.WriteString("\n")
	if record.ID != "" {
		fmt.Fprintf(&body, "Record: %s\n", record.ID)
	}
	if !record.CreatedAt.IsZero() {
		fmt.Fprintf(&body, "At: %s\n", record.CreatedAt.UTC().Format(time.RFC3339))
	}
	m.Notify(title(record), body.String())
}

// OnError implements core.Notifier
func (m Mail) OnError(err error) {
	m.Notify("🛑 ERROR", describeError(err))
}
