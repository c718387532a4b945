// Package shadow mirrors the fleet health snapshot to an MQTT broker as a
// reported-state document, so remote dashboards can see which sensors are
// acquiring.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"cxlogger/internal/model"
)

// Publisher delivers one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// HealthSource produces the snapshot to report.
type HealthSource interface {
	HealthCheck() model.HealthSnapshot
}

// Document is the published payload.
type Document struct {
	ClientToken string `json:"client_token"`
	Timestamp   int64  `json:"timestamp"`
	State       State  `json:"state"`
}

type State struct {
	Reported model.HealthSnapshot `json:"reported"`
}

// Reporter publishes the health snapshot on a fixed interval.
type Reporter struct {
	pub      Publisher
	health   HealthSource
	topic    string
	interval time.Duration
	token    string
	log      *slog.Logger
	now      func() time.Time
}

// NewReporter builds a reporter publishing to <prefix>/<host>/health.
func NewReporter(pub Publisher, health HealthSource, prefix, host string, interval time.Duration, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		pub:      pub,
		health:   health,
		topic:    Topic(prefix, host),
		interval: interval,
		token:    uuid.NewString(),
		log:      log.With("component", "shadow"),
		now:      time.Now,
	}
}

// Topic returns the health topic for host.
func Topic(prefix, host string) string {
	return path.Join(prefix, host, "health")
}

func (r *Reporter) Topic() string { return r.topic }

// Report publishes the current snapshot once.
func (r *Reporter) Report(ctx context.Context) error {
	doc := Document{
		ClientToken: r.token,
		Timestamp:   r.now().Unix(),
		State:       State{Reported: r.health.HealthCheck()},
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := r.pub.Publish(ctx, r.topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", r.topic, err)
	}
	r.log.Debug("health reported", "topic", r.topic, "sensors", len(doc.State.Reported.Sensors))
	return nil
}

// Run reports immediately and then on every interval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	failing := false
	for {
		if err := r.Report(ctx); err != nil && ctx.Err() == nil {
			if !failing {
				r.log.Warn("health report failed", "error", err)
			}
			failing = true
		} else if err == nil && failing {
			r.log.Info("health report recovered")
			failing = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
