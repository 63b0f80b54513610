package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
)

// Notifier delivers one alert to a sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// WebhookNotifier posts alerts as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook sink. A nil client gets a 10s timeout.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Name implements Notifier.
func (w *WebhookNotifier) Name() string { return "webhook" }

// Notify posts a single alert to the webhook URL.
func (w *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Publisher is the subset of *nats.Conn the NATS notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes alerts to a subject, suffixed by severity:
// "<subject>.critical" or "<subject>.high".
type NATSNotifier struct {
	pub     Publisher
	subject string
}

// NewNATSNotifier creates a NATS sink.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = "refguard.alerts"
	}
	return &NATSNotifier{pub: pub, subject: subject}
}

// ConnectNATS dials the server used for alert fan-out.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("refguard-monitoring"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: connect nats %s", url)
	}
	return nc, nil
}

// Name implements Notifier.
func (n *NATSNotifier) Name() string { return "nats" }

// Notify publishes the alert as JSON.
func (n *NATSNotifier) Notify(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "monitoring: nats publish")
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	subject := n.subject + "." + alert.Severity
	if err := n.pub.Publish(subject, payload); err != nil {
		return eris.Wrapf(err, "monitoring: nats publish %s", subject)
	}
	return nil
}
