// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/defaults"
)

// maxResponseBytes bounds how much of a webhook response is drained so
// connections can be reused without buffering hostile bodies.
const maxResponseBytes = 4 << 10

// WebhookConfig holds webhook sink parameters.
type WebhookConfig struct {
	// URL is the endpoint deliveries are POSTed to.
	URL string
	// Timeout bounds a single delivery attempt end to end.
	Timeout time.Duration
	// Client overrides the HTTP client, mainly in tests.
	Client *http.Client
	// Logger emits delivery log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *WebhookConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing webhook URL")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return trace.BadParameter("invalid webhook URL %q: %v", c.URL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return trace.BadParameter("unsupported webhook URL scheme %q, expected http or https", u.Scheme)
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.ExecutorDeliveryTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: defaults.HTTPDialTimeout,
				}).DialContext,
				IdleConnTimeout:     defaults.HTTPIdleTimeout,
				MaxIdleConnsPerHost: defaults.HTTPMaxIdleConnsPerHost,
			},
		}
	}
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentSink)
	}
	return nil
}

// Webhook delivers messages as JSON POST requests. Responses are
// classified per status code: 2xx accepts the delivery, 4xx rejects it
// permanently and anything else counts as a transient failure.
type Webhook struct {
	cfg WebhookConfig
}

// NewWebhook creates a webhook sink from config.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Webhook{cfg: cfg}, nil
}

// Deliver posts the delivery payload to the configured endpoint.
func (w *Webhook) Deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d.Payload)
	if err != nil {
		return Permanent(trace.BadParameter("encoding delivery payload: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(trace.Wrap(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chime/"+chime.Version)
	req.Header.Set("Idempotency-Key", d.IdempotencyKey)
	if d.Channel != "" {
		req.Header.Set("X-Chime-Channel", d.Channel)
	}

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "posting delivery to %v", w.cfg.URL)
	}
	defer resp.Body.Close()
	// Drain so the transport can reuse the connection.
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return nil
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError:
		return Permanent(trace.BadParameter("webhook rejected delivery: %v", resp.Status))
	default:
		return trace.ConnectionProblem(nil, "webhook delivery failed: %v", resp.Status)
	}
}
