package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/domain"
)

const (
	headerEvent     = "X-Crmflow-Event"
	headerDelivery  = "X-Crmflow-Delivery"
	headerSignature = "X-Crmflow-Signature"

	defaultWebhookTimeout = 5 * time.Second
)

// WebhookSink posts notifications to one configured URL.
type WebhookSink struct {
	hook   config.WebhookConfig
	client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookSink{hook: hook, client: client}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Accepts(n domain.Notification) bool {
	return w.hook.IsEnabled() && acceptsChannel(w.hook.Channels, n.Channel)
}

func (w *WebhookSink) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return post(ctx, w.client, w.hook, "notification."+n.Kind, n.ID, body)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value produced by post.
func Verify(secret string, body []byte, header string) bool {
	want := "sha256=" + Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(header))
}

func post(ctx context.Context, client *http.Client, hook config.WebhookConfig, evtType, delivery string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, evtType)
	req.Header.Set(headerDelivery, delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(headerSignature, "sha256="+Sign(hook.Secret, body))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
