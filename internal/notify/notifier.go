// Package notify renders the "your zip is ready" message and hands it to a
// Sender.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"

	"go.uber.org/zap"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// Default templates.
const (
	DefaultSubjectTemplate = `{{.Name}} Your zip is ready to download!`
	DefaultBodyTemplate    = `<a href="{{.CallbackURL}}">Click to download your zip!</a>`
)

// Config controls message rendering.
type Config struct {
	SubjectTemplate string
	BodyTemplate    string
	// PublicBaseURL is the externally reachable base of the access callback.
	// When empty the shareable URL is linked directly.
	PublicBaseURL string
}

// Message is the data passed to both templates.
type Message struct {
	JobID        string
	Name         string
	Recipient    string
	ShareableURL string
	CallbackURL  string
}

// Notifier implements bundle.Notifier.
type Notifier struct {
	sender  bundle.Sender
	subject *texttemplate.Template
	body    *htmltemplate.Template
	baseURL string
	logger  *zap.Logger
}

// New parses the templates and returns a Notifier sending through sender.
func New(sender bundle.Sender, cfg Config, logger *zap.Logger) (*Notifier, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.SubjectTemplate == "" {
		cfg.SubjectTemplate = DefaultSubjectTemplate
	}
	if cfg.BodyTemplate == "" {
		cfg.BodyTemplate = DefaultBodyTemplate
	}
	subject, err := texttemplate.New("subject").Option("missingkey=error").Parse(cfg.SubjectTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	body, err := htmltemplate.New("body").Parse(cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		sender:  sender,
		subject: subject,
		body:    body,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:  logger,
	}, nil
}

// CallbackURL builds the access callback link wrapping shareableURL.
func CallbackURL(baseURL, shareableURL string) string {
	if baseURL == "" {
		return shareableURL
	}
	return strings.TrimRight(baseURL, "/") + "/email_callback?link=" + url.QueryEscape(shareableURL)
}

// Render produces the subject and HTML body for a job.
func (n *Notifier) Render(job bundle.Job, link bundle.PublishedLink) (string, string, error) {
	msg := Message{
		JobID:        job.ID,
		Name:         job.Name,
		Recipient:    job.Recipient,
		ShareableURL: link.ShareableURL,
		CallbackURL:  CallbackURL(n.baseURL, link.ShareableURL),
	}
	var subject bytes.Buffer
	if err := n.subject.Execute(&subject, msg); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	var body bytes.Buffer
	if err := n.body.Execute(&body, msg); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return subject.String(), body.String(), nil
}

// Notify renders the message and sends it to the job's recipient.
func (n *Notifier) Notify(ctx context.Context, job bundle.Job, link bundle.PublishedLink) error {
	if link.ShareableURL == "" {
		return errors.New("published link has no shareable url")
	}
	subject, body, err := n.Render(job, link)
	if err != nil {
		return err
	}
	if err := n.sender.Send(ctx, job.Recipient, subject, body); err != nil {
		return fmt.Errorf("send to %s: %w", job.Recipient, err)
	}
	n.logger.Info("notification sent",
		zap.String("job_id", job.ID),
		zap.String("recipient", job.Recipient),
	)
	return nil
}
