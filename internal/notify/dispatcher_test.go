package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/pagesentry/pagesentry/internal/metrics"
	"github.com/pagesentry/pagesentry/internal/monitor"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type captureLog struct {
	mu      sync.Mutex
	records []monitor.NotificationRecord
}

func (l *captureLog) AppendNotificationRecord(_ context.Context, record monitor.NotificationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *captureLog) byChannel(channel string) []monitor.NotificationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []monitor.NotificationRecord
	for _, r := range l.records {
		if r.Channel == channel {
			out = append(out, r)
		}
	}
	return out
}

type fakeMail struct {
	mu       sync.Mutex
	messages []*gomail.Message
	err      error
}

func (m *fakeMail) DialAndSend(msgs ...*gomail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

type fakeWebhook struct {
	mu       sync.Mutex
	payloads []any
	err      error
}

func (w *fakeWebhook) Post(_ context.Context, _ string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.payloads = append(w.payloads, payload)
	return nil
}

type fakeProvider struct {
	name      string
	err       error
	requestID string
	calls     int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Send(_ context.Context, phone string, params SMSParams) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.requestID, nil
}

func newDispatcher(t *testing.T, log *captureLog, mail mailSender, webhook webhookSender, providers ...SMSProvider) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		Log:          log,
		Mail:         mail,
		MailFrom:     "monitor@example.com",
		Webhook:      webhook,
		SMSProviders: providers,
		PublicWebURL: "https://monitor.example.com/",
		Clock:        fixedClock{now: time.Unix(1700000000, 0).UTC()},
	})
	require.NoError(t, err)
	return d
}

func alertMonitor() monitor.Monitor {
	return monitor.Monitor{
		ID:   5,
		Name: "tenders",
		URL:  "https://example.com/tenders",
	}
}

func TestDispatchMail(t *testing.T) {
	t.Parallel()

	log := &captureLog{}
	mail := &fakeMail{}
	d := newDispatcher(t, log, mail, nil)

	m := alertMonitor()
	m.NotifyMail = true
	m.MailList = "a@example.com, b@example.com"

	d.Dispatch(context.Background(), m, monitor.ChangeRecord{ID: 9, ChangeType: monitor.ChangeUpdate}, "new tender published")

	require.Len(t, mail.messages, 1)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, mail.messages[0].GetHeader("To"))

	records := log.byChannel("mail")
	require.Len(t, records, 1)
	require.Equal(t, monitor.NotificationSuccess, records[0].Outcome)
	require.Equal(t, "smtp", records[0].Provider)
	require.Equal(t, int64(9), records[0].ChangeRecordID)
	require.Equal(t, "[Monitor Alert] tenders Changed", records[0].PayloadPreview)
}

func TestDispatchMailFailureRecorded(t *testing.T) {
	t.Parallel()

	log := &captureLog{}
	mail := &fakeMail{err: fmt.Errorf("smtp: connection refused")}
	d := newDispatcher(t, log, mail, nil)

	m := alertMonitor()
	m.NotifyMail = true
	m.MailList = "a@example.com"

	d.Dispatch(context.Background(), m, monitor.ChangeRecord{ChangeType: monitor.ChangeUpdate}, "x")

	records := log.byChannel("mail")
	require.Len(t, records, 1)
	require.Equal(t, monitor.NotificationFailed, records[0].Outcome)
	require.Contains(t, records[0].ErrorMessage, "connection refused")
}

func TestDispatchWebhook(t *testing.T) {
	t.Parallel()

	log := &captureLog{}
	webhook := &fakeWebhook{}
	d := newDispatcher(t, log, nil, webhook)

	m := alertMonitor()
	m.NotifyWebhook = true
	m.WebhookURL = "https://open.example.com/hook/bot/secret-token-value"

	d.Dispatch(context.Background(), m, monitor.ChangeRecord{ChangeType: monitor.ChangeInitial}, "first capture")

	require.Len(t, webhook.payloads, 1)
	payload, ok := webhook.payloads[0].(webhookPayload)
	require.True(t, ok)
	require.Equal(t, "text", payload.MsgType)
	require.Contains(t, payload.Content.Text, "https://example.com/tenders")

	records := log.byChannel("webhook")
	require.Len(t, records, 1)
	require.Equal(t, "https://open.example.com/hook/bot/se...", records[0].Recipient)
}

func TestDispatchChannelIsolation(t *testing.T) {
	t.Parallel()

	log := &captureLog{}
	mail := &fakeMail{err: fmt.Errorf("smtp down")}
	webhook := &fakeWebhook{}
	d := newDispatcher(t, log, mail, webhook)

	m := alertMonitor()
	m.NotifyMail = true
	m.MailList = "a@example.com"
	m.NotifyWebhook = true
	m.WebhookURL = "https://open.example.com/hook"

	d.Dispatch(context.Background(), m, monitor.ChangeRecord{ChangeType: monitor.ChangeUpdate}, "x")

	// Mail failing must not block the webhook delivery.
	require.Len(t, webhook.payloads, 1)
	require.Equal(t, monitor.NotificationFailed, log.byChannel("mail")[0].Outcome)
	require.Equal(t, monitor.NotificationSuccess, log.byChannel("webhook")[0].Outcome)
}

func TestDispatchSMSProviderChain(t *testing.T) {
	t.Parallel()

	t.Run("StopsAtFirstSuccess", func(t *testing.T) {
		log := &captureLog{}
		primary := &fakeProvider{name: "aliyun", requestID: "req-1"}
		fallback := &fakeProvider{name: "volcengine"}
		d := newDispatcher(t, log, nil, nil, primary, fallback)

		m := alertMonitor()
		m.NotifySMS = true
		m.SMSPhoneList = "13812345678"

		d.Dispatch(context.Background(), m, monitor.ChangeRecord{ID: 2, ChangeType: monitor.ChangeUpdate}, "x")

		require.Equal(t, 1, primary.calls)
		require.Zero(t, fallback.calls)

		records := log.byChannel("sms")
		require.Len(t, records, 1)
		require.Equal(t, monitor.NotificationSuccess, records[0].Outcome)
		require.Equal(t, "aliyun", records[0].Provider)
		require.Equal(t, "req-1", records[0].RequestID)
		require.Equal(t, "138****5678", records[0].Recipient)

		var params SMSParams
		require.NoError(t, json.Unmarshal([]byte(records[0].PayloadPreview), &params))
		require.Equal(t, "tenders", params.Name)
		require.Equal(t, "https://monitor.example.com/history/5?h=2", params.Link)
	})

	t.Run("FallsBackOnFailure", func(t *testing.T) {
		log := &captureLog{}
		primary := &fakeProvider{name: "aliyun", err: fmt.Errorf("throttled")}
		fallback := &fakeProvider{name: "volcengine", requestID: "req-2"}
		d := newDispatcher(t, log, nil, nil, primary, fallback)

		m := alertMonitor()
		m.NotifySMS = true
		m.SMSPhoneList = "13812345678"

		d.Dispatch(context.Background(), m, monitor.ChangeRecord{ChangeType: monitor.ChangeUpdate}, "x")

		require.Equal(t, 1, primary.calls)
		require.Equal(t, 1, fallback.calls)

		records := log.byChannel("sms")
		require.Len(t, records, 1)
		require.Equal(t, monitor.NotificationSuccess, records[0].Outcome)
		require.Equal(t, "volcengine", records[0].Provider)
	})

	t.Run("AllProvidersFail", func(t *testing.T) {
		log := &captureLog{}
		primary := &fakeProvider{name: "aliyun", err: fmt.Errorf("throttled")}
		fallback := &fakeProvider{name: "volcengine", err: fmt.Errorf("rejected")}
		d := newDispatcher(t, log, nil, nil, primary, fallback)

		m := alertMonitor()
		m.NotifySMS = true
		m.SMSPhoneList = "13812345678"

		d.Dispatch(context.Background(), m, monitor.ChangeRecord{ChangeType: monitor.ChangeUpdate}, "x")

		records := log.byChannel("sms")
		require.Len(t, records, 1)
		require.Equal(t, monitor.NotificationFailed, records[0].Outcome)
		require.Equal(t, "volcengine", records[0].Provider)
		require.Equal(t, "all_providers_failed", records[0].ErrorMessage)
	})

	t.Run("DeduplicatesPhones", func(t *testing.T) {
		log := &captureLog{}
		primary := &fakeProvider{name: "aliyun"}
		d := newDispatcher(t, log, nil, nil, primary)

		m := alertMonitor()
		m.NotifySMS = true
		m.SMSPhoneList = "13812345678, 13812345678, 13900001111"

		d.Dispatch(context.Background(), m, monitor.ChangeRecord{ChangeType: monitor.ChangeUpdate}, "x")

		require.Equal(t, 2, primary.calls)
		require.Len(t, log.byChannel("sms"), 2)
	})
}

func TestMaskPhone(t *testing.T) {
	t.Parallel()

	require.Equal(t, "138****5678", maskPhone("13812345678"))
	require.Equal(t, "1234567", maskPhone("1234567"))
	require.Equal(t, "", maskPhone(""))
}

func TestWebhookClientPost(t *testing.T) {
	t.Parallel()

	t.Run("DeliversJSON", func(t *testing.T) {
		var got webhookPayload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		payload := webhookPayload{MsgType: "text"}
		payload.Content.Text = "hello"
		require.NoError(t, NewWebhookClient(0).Post(context.Background(), srv.URL, payload))
		require.Equal(t, "hello", got.Content.Text)
	})

	t.Run("RejectsNon2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		err := NewWebhookClient(0).Post(context.Background(), srv.URL, map[string]string{})
		require.ErrorContains(t, err, "unexpected status 403")
	})
}
