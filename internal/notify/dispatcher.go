// Package notify delivers change alerts over mail, webhook, and SMS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/pagesentry/pagesentry/internal/metrics"
	"github.com/pagesentry/pagesentry/internal/monitor"
)

const (
	channelMail    = "mail"
	channelWebhook = "webhook"
	channelSMS     = "sms"

	recipientPreviewLimit = 200
	payloadPreviewLimit   = 500
	snippetLimit          = 200
	smsNameLimit          = 20
)

// SMSParams are the template values handed to an SMS gateway.
type SMSParams struct {
	Name string `json:"name"`
	Time string `json:"time"`
	Link string `json:"link"`
}

// SMSProvider sends one SMS through a concrete gateway.
type SMSProvider interface {
	Name() string
	Send(ctx context.Context, phone string, params SMSParams) (requestID string, err error)
}

// mailSender is the slice of gomail.Dialer the dispatcher needs.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type webhookSender interface {
	Post(ctx context.Context, webhookURL string, payload any) error
}

type notificationLog interface {
	AppendNotificationRecord(ctx context.Context, record monitor.NotificationRecord) error
}

// Config wires the dispatcher's delivery backends.
type Config struct {
	Log          notificationLog
	Mail         mailSender
	MailFrom     string
	Webhook      webhookSender
	SMSProviders []SMSProvider
	PublicWebURL string
	AdminPhone   string
	Clock        monitor.Clock
	Logger       *zap.Logger
}

// Dispatcher fans a detected change out to the monitor's enabled
// channels. Channels are independent; one failing never blocks another,
// and delivery problems are recorded, not returned.
type Dispatcher struct {
	log          notificationLog
	mail         mailSender
	mailFrom     string
	webhook      webhookSender
	smsProviders []SMSProvider
	publicWebURL string
	adminPhone   string
	clock        monitor.Clock
	logger       *zap.Logger
}

// New creates a dispatcher. Backends left nil disable their channel.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Log == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("notify: log and clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		log:          cfg.Log,
		mail:         cfg.Mail,
		mailFrom:     cfg.MailFrom,
		webhook:      cfg.Webhook,
		smsProviders: cfg.SMSProviders,
		publicWebURL: strings.TrimRight(strings.TrimSpace(cfg.PublicWebURL), "/"),
		adminPhone:   cfg.AdminPhone,
		clock:        cfg.Clock,
		logger:       logger.Named("notify"),
	}, nil
}

// Dispatch sends the change through every channel the monitor enables.
func (d *Dispatcher) Dispatch(ctx context.Context, m monitor.Monitor, record monitor.ChangeRecord, content string) {
	title := m.Name
	if title == "" {
		title = m.URL
	}
	subject := fmt.Sprintf("[Monitor Alert] %s Changed", title)
	message := d.buildMessage(m, record, content)

	if m.NotifyMail && m.MailList != "" {
		d.sendMail(ctx, m, record, subject, message)
	}
	if m.NotifyWebhook && m.WebhookURL != "" {
		d.sendWebhook(ctx, m, record, message)
	}
	if m.NotifySMS {
		d.sendSMS(ctx, m, record)
	}
}

func (d *Dispatcher) buildMessage(m monitor.Monitor, record monitor.ChangeRecord, content string) string {
	snippet := content
	if len([]rune(snippet)) > snippetLimit {
		snippet = string([]rune(snippet)[:snippetLimit]) + "..."
	}
	return fmt.Sprintf(
		"Monitor: %s\nURL: %s\nChange Type: %s\nTime: %s\n\nContent Snippet:\n%s",
		m.Name, m.URL, record.ChangeType,
		d.clock.Now().Format(time.RFC3339),
		snippet,
	)
}

func (d *Dispatcher) sendMail(ctx context.Context, m monitor.Monitor, record monitor.ChangeRecord, subject, message string) {
	entry := monitor.NotificationRecord{
		MonitorID:      m.ID,
		ChangeRecordID: record.ID,
		Channel:        channelMail,
		Provider:       "smtp",
		Recipient:      truncate(m.MailList, recipientPreviewLimit),
		PayloadPreview: truncate(subject, recipientPreviewLimit),
		SentAt:         d.clock.Now(),
	}

	if d.mail == nil {
		d.record(ctx, entry, fmt.Errorf("mail transport not configured"))
		return
	}

	recipients := splitList(m.MailList)
	if len(recipients) == 0 {
		d.record(ctx, entry, fmt.Errorf("no_recipient"))
		return
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", d.mailFrom)
	msg.SetHeader("To", recipients...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", message)
	msg.AddAlternative("text/html", "<p>"+strings.ReplaceAll(message, "\n", "<br>")+"</p>")

	d.record(ctx, entry, d.mail.DialAndSend(msg))
}

type webhookPayload struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (d *Dispatcher) sendWebhook(ctx context.Context, m monitor.Monitor, record monitor.ChangeRecord, message string) {
	title := m.Name
	if title == "" {
		title = m.URL
	}
	entry := monitor.NotificationRecord{
		MonitorID:      m.ID,
		ChangeRecordID: record.ID,
		Channel:        channelWebhook,
		Provider:       channelWebhook,
		Recipient:      maskWebhook(m.WebhookURL),
		PayloadPreview: truncate(title, recipientPreviewLimit),
		SentAt:         d.clock.Now(),
	}

	if d.webhook == nil {
		d.record(ctx, entry, fmt.Errorf("webhook client not configured"))
		return
	}

	payload := webhookPayload{MsgType: "text"}
	payload.Content.Text = message
	d.record(ctx, entry, d.webhook.Post(ctx, m.WebhookURL, payload))
}

func (d *Dispatcher) sendSMS(ctx context.Context, m monitor.Monitor, record monitor.ChangeRecord) {
	phones := splitList(m.SMSPhoneList)
	if len(phones) == 0 && d.adminPhone != "" {
		phones = []string{d.adminPhone}
	}

	link := ""
	if d.publicWebURL != "" {
		link = fmt.Sprintf("%s/history/%d", d.publicWebURL, m.ID)
		if record.ID != 0 {
			link += fmt.Sprintf("?h=%d", record.ID)
		}
	}
	name := m.Name
	if name == "" {
		name = "Website Monitor"
	}
	params := SMSParams{
		Name: truncate(name, smsNameLimit),
		Time: d.clock.Now().Format("15:04:05"),
		Link: link,
	}
	preview, _ := json.Marshal(params)

	for _, phone := range dedup(phones) {
		provider, requestID, err := d.sendSMSThroughChain(ctx, phone, params)
		entry := monitor.NotificationRecord{
			MonitorID:      m.ID,
			ChangeRecordID: record.ID,
			Channel:        channelSMS,
			Provider:       provider,
			Recipient:      maskPhone(phone),
			RequestID:      requestID,
			PayloadPreview: truncate(string(preview), payloadPreviewLimit),
			SentAt:         d.clock.Now(),
		}
		d.record(ctx, entry, err)
	}
}

// sendSMSThroughChain tries providers in order and stops at the first
// success. It returns the name of the provider that handled (or last
// rejected) the message.
func (d *Dispatcher) sendSMSThroughChain(ctx context.Context, phone string, params SMSParams) (provider, requestID string, err error) {
	if len(d.smsProviders) == 0 {
		return "", "", fmt.Errorf("no sms providers configured")
	}
	for _, p := range d.smsProviders {
		provider = p.Name()
		requestID, err = p.Send(ctx, phone, params)
		if err == nil {
			return provider, requestID, nil
		}
		d.logger.Warn("sms provider failed",
			zap.String("provider", provider),
			zap.Error(err))
	}
	return provider, "", fmt.Errorf("all_providers_failed")
}

func (d *Dispatcher) record(ctx context.Context, entry monitor.NotificationRecord, sendErr error) {
	entry.Outcome = monitor.NotificationSuccess
	if sendErr != nil {
		entry.Outcome = monitor.NotificationFailed
		entry.ErrorMessage = sendErr.Error()
		d.logger.Warn("notification delivery failed",
			zap.Int64("monitor_id", entry.MonitorID),
			zap.String("channel", entry.Channel),
			zap.Error(sendErr))
	}
	metrics.ObserveNotification(entry.Channel, string(entry.Outcome))
	if err := d.log.AppendNotificationRecord(ctx, entry); err != nil {
		d.logger.Warn("notification record write failed", zap.Error(err))
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedup(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// maskPhone keeps the first three and last four digits of long numbers.
func maskPhone(phone string) string {
	p := strings.TrimSpace(phone)
	if len(p) <= 7 {
		return p
	}
	return p[:3] + "****" + p[len(p)-4:]
}

// maskWebhook hides the token portion of a webhook URL.
func maskWebhook(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "configured"
	}
	p := u.Path
	if len(p) > 12 {
		p = p[:12]
	}
	return fmt.Sprintf("%s://%s%s...", u.Scheme, u.Host, p)
}
