package api

import (
	"github.com/rajasatyajit/toolgate/internal/alertengine"
	"github.com/rajasatyajit/toolgate/internal/logger"
	"github.com/rajasatyajit/toolgate/internal/webhook"
)

// WebhookAlertSink delivers fired alerts through the batched webhook
// pipeline (spec §4.13) at a well-known alert URL, and always logs
// regardless of delivery outcome.
type WebhookAlertSink struct {
	batcher *webhook.Batcher
	url     string
}

func NewWebhookAlertSink(batcher *webhook.Batcher, url string) *WebhookAlertSink {
	return &WebhookAlertSink{batcher: batcher, url: url}
}

func (s *WebhookAlertSink) Fire(a alertengine.Alert) {
	logger.Info("alert fired", "rule", a.RuleName, "kind", a.Kind, "key", a.KeyID, "message", a.Message)
	if s.batcher == nil || s.url == "" {
		return
	}
	if err := s.batcher.Add(s.url, a); err != nil {
		logger.Error("failed to queue alert webhook", "error", err)
	}
}
