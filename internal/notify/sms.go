package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pagesentry/pagesentry/internal/config"
)

const defaultSMSTimeout = 10 * time.Second

// HTTPSMSProvider delivers SMS through a JSON-over-HTTP gateway that
// accepts a signed template id plus template parameters.
type HTTPSMSProvider struct {
	name     string
	endpoint string
	apiKey   string
	template string
	signName string
	client   *http.Client
}

// NewHTTPSMSProvider builds one provider in the SMS chain.
func NewHTTPSMSProvider(cfg config.SMSProviderConfig) *HTTPSMSProvider {
	timeout := defaultSMSTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &HTTPSMSProvider{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		template: cfg.Template,
		signName: cfg.SignName,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in notification records.
func (p *HTTPSMSProvider) Name() string { return p.name }

type smsRequest struct {
	Phone         string `json:"phone"`
	Sign          string `json:"sign"`
	TemplateID    string `json:"template_id"`
	TemplateParam string `json:"template_param"`
}

type smsResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// Send posts one message and reports the gateway request id.
func (p *HTTPSMSProvider) Send(ctx context.Context, phone string, params SMSParams) (string, error) {
	if p.endpoint == "" || p.apiKey == "" {
		return "", fmt.Errorf("not_configured")
	}

	templateParam, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode template params: %w", err)
	}
	body, err := json.Marshal(smsRequest{
		Phone:         phone,
		Sign:          p.signName,
		TemplateID:    p.template,
		TemplateParam: string(templateParam),
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var parsed smsResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Code != "" && parsed.Code != "OK" && parsed.Code != "ok" {
		return parsed.RequestID, fmt.Errorf("gateway rejected: %s %s", parsed.Code, parsed.Message)
	}
	return parsed.RequestID, nil
}
