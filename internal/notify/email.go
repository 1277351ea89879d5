package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/internal/models"
	"github.com/kursflyt/waitlist/pkg/queue"
)

// EmailQueue accepts rendered e-mails for asynchronous delivery.
type EmailQueue interface {
	EnqueueEmail(ctx context.Context, payload queue.EmailPayload) error
}

// EmailLogWriter records each e-mail before it is queued.
type EmailLogWriter interface {
	Create(ctx context.Context, log *models.EmailLog) error
}

// emailTemplate is one notification e-mail. Text is the plain-text body;
// the HTML body wraps it paragraph by paragraph.
type emailTemplate struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
}

func mustEmail(name, subject, text string) emailTemplate {
	return emailTemplate{
		subject: texttemplate.Must(texttemplate.New(name + "_subject").Parse(subject)),
		text:    texttemplate.Must(texttemplate.New(name).Parse(text)),
	}
}

var emailTemplates = map[string]emailTemplate{
	models.EmailTypeWaitlistJoined: mustEmail(models.EmailTypeWaitlistJoined,
		`Du står på venteliste til {{.Course}}`,
		`Hei {{.Name}},

Takk for interessen for {{.Course}} hos {{.Organization}}. Kurset er fullt, og du står nå på ventelisten med kønummer {{.Position}}. Lavest kønummer får tilbud først.

Blir det en ledig plass, får du en e-post med en lenke for å ta plassen. Tilbudet gjelder i en begrenset periode.`),
	models.EmailTypeOfferIssued: mustEmail(models.EmailTypeOfferIssued,
		`Ledig plass på {{.Course}}`,
		`Hei {{.Name}},

Det har blitt ledig plass på {{.Course}} hos {{.Organization}}, og plassen er din om du vil ha den.

Ta plassen her: {{.ClaimURL}}

Tilbudet gjelder til {{.Deadline}}. Etter det går plassen videre til neste på ventelisten.`),
	models.EmailTypeOfferExpired: mustEmail(models.EmailTypeOfferExpired,
		`Tilbudet om plass på {{.Course}} har gått ut`,
		`Hei {{.Name}},

{{if .Declined}}Du takket nei til plassen på {{.Course}}.{{else}}Tilbudet om plass på {{.Course}} ble ikke benyttet innen fristen.{{end}}
{{if .Requeued}}
Du står fortsatt på ventelisten, nå bakerst med kønummer {{.Position}}. Vi sier fra hvis det blir ledig igjen.{{else}}
Du er tatt av ventelisten. Meld deg på igjen hos {{.Organization}} hvis du fortsatt ønsker plass.{{end}}`),
}

var htmlLayout = htmltemplate.Must(htmltemplate.New("layout").Parse(
	`<!doctype html><html lang="nb"><body>{{range .}}<p>{{.}}</p>{{end}}</body></html>`))

type emailData struct {
	Name         string
	Course       string
	Organization string
	Position     string
	ClaimURL     string
	Deadline     string
	Declined     bool
	Requeued     bool
}

// EmailNotifier renders Norwegian participant e-mails, logs them in
// email_logs and hands them to the worker queue.
type EmailNotifier struct {
	Nop
	queue  EmailQueue
	logs   EmailLogWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewEmailNotifier returns an EmailNotifier. logs may be nil.
func NewEmailNotifier(q EmailQueue, logs EmailLogWriter, logger *zap.Logger) *EmailNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailNotifier{queue: q, logs: logs, logger: logger, now: time.Now}
}

func (e *EmailNotifier) WaitlistJoined(ctx context.Context, n Joined) {
	e.send(ctx, models.EmailTypeWaitlistJoined, n.Signup, emailData{
		Name:         n.Signup.Name,
		Course:       n.Course.Title,
		Organization: n.Organization.Name,
		Position:     positionOf(n.Signup),
	})
}

func (e *EmailNotifier) OfferIssued(ctx context.Context, n OfferIssued) {
	e.send(ctx, models.EmailTypeOfferIssued, n.Signup, emailData{
		Name:         n.Signup.Name,
		Course:       n.Course.Title,
		Organization: n.Organization.Name,
		ClaimURL:     n.ClaimURL,
		Deadline:     apperr.FormatTime(n.ExpiresAt, apperr.LocaleNorwegian),
	})
}

func (e *EmailNotifier) OfferExpired(ctx context.Context, n OfferExpired) {
	e.send(ctx, models.EmailTypeOfferExpired, n.Signup, emailData{
		Name:         n.Signup.Name,
		Course:       n.Course.Title,
		Organization: n.Organization.Name,
		Position:     positionOf(n.Signup),
		Declined:     n.Outcome == models.OfferSkipped,
		Requeued:     n.Requeued,
	})
}

func (e *EmailNotifier) send(ctx context.Context, emailType string, s models.Signup, data emailData) {
	ctx, cancel := detach(ctx, 5*time.Second)
	defer cancel()

	subject, text, html, err := render(emailType, data)
	if err != nil {
		e.logger.Error("render email", zap.String("email_type", emailType), zap.Error(err))
		return
	}

	courseID, signupID := s.CourseID, s.ID
	entry := &models.EmailLog{
		ID:             uuid.New(),
		CourseID:       &courseID,
		SignupID:       &signupID,
		EmailType:      emailType,
		RecipientEmail: s.Email,
		Subject:        subject,
		Status:         models.EmailLogStatusPending,
		CreatedAt:      e.now(),
	}
	if e.logs != nil {
		if err := e.logs.Create(ctx, entry); err != nil {
			e.logger.Warn("create email log", zap.String("signup_id", s.ID.String()), zap.Error(err))
		}
	}

	err = e.queue.EnqueueEmail(ctx, queue.EmailPayload{
		EmailLogID:     entry.ID,
		EmailType:      emailType,
		CourseID:       courseID,
		SignupID:       signupID,
		RecipientEmail: s.Email,
		RecipientName:  s.Name,
		Subject:        subject,
		BodyText:       text,
		BodyHTML:       html,
	})
	if err != nil {
		e.logger.Error("enqueue email",
			zap.String("email_type", emailType),
			zap.String("signup_id", s.ID.String()),
			zap.Error(err),
		)
	}
}

func render(emailType string, data emailData) (subject, text, html string, err error) {
	tpl, ok := emailTemplates[emailType]
	if !ok {
		return "", "", "", fmt.Errorf("unknown email type %q", emailType)
	}
	var buf bytes.Buffer
	if err := tpl.subject.Execute(&buf, data); err != nil {
		return "", "", "", err
	}
	subject = buf.String()
	buf.Reset()
	if err := tpl.text.Execute(&buf, data); err != nil {
		return "", "", "", err
	}
	text = strings.TrimSpace(buf.String())
	buf.Reset()
	if err := htmlLayout.Execute(&buf, paragraphs(text)); err != nil {
		return "", "", "", err
	}
	return subject, text, buf.String(), nil
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func positionOf(s models.Signup) string {
	if s.Position == nil {
		return ""
	}
	return fmt.Sprint(*s.Position)
}
