package dispatch

import (
	"context"
	"html"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/gomail.v2"

	"leadpilot/config"
	"leadpilot/models"
)

// ErrChannelUnconfigured is returned by senders missing credentials.
var ErrChannelUnconfigured = eris.New("channel is not configured")

// Message is one outbound message for a lead.
type Message struct {
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, msg Message) error
}

type EmailSender struct {
	host     string
	port     int
	user     string
	password string
	from     string

	dial func(d *gomail.Dialer, m ...*gomail.Message) error
}

func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	return &EmailSender{
		host:     cfg.Host,
		port:     cfg.Port,
		user:     cfg.User,
		password: cfg.Password,
		from:     cfg.From,
		dial:     func(d *gomail.Dialer, m ...*gomail.Message) error { return d.DialAndSend(m...) },
	}
}

func (s *EmailSender) Channel() models.Channel { return models.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if s.host == "" || s.from == "" {
		return ErrChannelUnconfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", textToHTML(msg.Body))

	d := gomail.NewDialer(s.host, s.port, s.user, s.password)
	if err := s.dial(d, m); err != nil {
		return eris.Wrap(err, "smtp send")
	}
	return nil
}

func textToHTML(body string) string {
	paragraphs := strings.Split(body, "\n\n")
	var b strings.Builder
	for _, p := range paragraphs {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(p), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
