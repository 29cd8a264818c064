// Package webhook delivers tenant notifications for ingestion events.
// Delivery is best-effort: failures are logged, never returned, so a
// dead endpoint can never affect an ingestion result.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/store"
)

// Event names emitted by the ingestion worker.
const (
	EventSourceIngested = "source.ingested"
	EventSourceFailed   = "source.failed"
)

// Signature and event headers on every delivery.
const (
	HeaderSignature = "X-MiniRAG-Signature"
	HeaderEvent     = "X-MiniRAG-Event"
)

const deliveryTimeout = 10 * time.Second

// Dispatcher posts signed event payloads to a tenant's registered
// endpoints.
type Dispatcher struct {
	store  *store.Store
	client *http.Client
	logger log.Logger
}

// New creates a Dispatcher.
func New(st *store.Store, logger log.Logger) (*Dispatcher, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Dispatcher{
		store:  st,
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger,
	}, nil
}

// envelope is the JSON body of every delivery.
type envelope struct {
	Event     string    `json:"event"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Dispatch sends event to every active endpoint of the tenant that
// subscribes to it. All failures are swallowed after logging.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID uuid.UUID, event string, data any) {
	hooks, err := d.store.ListActiveWebhooks(ctx, tenantID)
	if err != nil {
		d.logger.Warn("loading webhooks", "tenant_id", tenantID, "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(envelope{
		Event:     event,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		d.logger.Warn("marshaling webhook payload", "event", event, "error", err)
		return
	}

	for _, hook := range hooks {
		if !subscribed(hook.Events, event) {
			continue
		}
		d.deliver(ctx, hook, event, body)
	}
}

// deliver posts one signed payload to one endpoint.
func (d *Dispatcher) deliver(ctx context.Context, hook *store.Webhook, event string, body []byte) {
	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("building webhook request", "webhook_id", hook.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderSignature, Sign(hook.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("delivering webhook",
			"webhook_id", hook.ID, "event", event, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn("webhook endpoint rejected delivery",
			"webhook_id", hook.ID, "event", event, "status", resp.StatusCode)
		return
	}

	d.logger.Debug("webhook delivered", "webhook_id", hook.ID, "event", event)
}

// Sign computes the hex HMAC-SHA256 of body with the webhook secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// subscribed reports whether an events filter (JSON array of names)
// includes event. An empty or unparseable filter matches everything.
func subscribed(eventsJSON, event string) bool {
	if eventsJSON == "" || eventsJSON == "[]" {
		return true
	}

	var events []string
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return true
	}
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}
