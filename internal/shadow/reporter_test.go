package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"cxlogger/internal/model"
)

type capture struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (c *capture) Publish(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

type staticHealth model.HealthSnapshot

func (h staticHealth) HealthCheck() model.HealthSnapshot { return model.HealthSnapshot(h) }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTopic(t *testing.T) {
	t.Parallel()

	if got := Topic("cxlogger", "pi-01"); got != "cxlogger/pi-01/health" {
		t.Fatalf("topic=%q", got)
	}
	if got := Topic("fleet/site-a/", "pi-02"); got != "fleet/site-a/pi-02/health" {
		t.Fatalf("topic=%q", got)
	}
}

func TestReporter_ReportPublishesDocument(t *testing.T) {
	t.Parallel()

	snap := model.HealthSnapshot{
		HostDeviceName: "pi-01",
		Sensors: []model.SensorStatus{
			{SensorID: "CX1_1901", Active: true},
			{SensorID: "CX1_1902", Active: false},
		},
	}
	pub := &capture{}
	r := NewReporter(pub, staticHealth(snap), "cxlogger", "pi-01", time.Minute, quiet())
	r.now = func() time.Time { return time.Unix(1700000000, 0) }

	if err := r.Report(context.Background()); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if pub.topics[0] != "cxlogger/pi-01/health" {
		t.Fatalf("topic=%q", pub.topics[0])
	}

	var doc Document
	if err := json.Unmarshal(pub.payloads[0], &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := uuid.Parse(doc.ClientToken); err != nil {
		t.Fatalf("client_token=%q: %v", doc.ClientToken, err)
	}
	if doc.Timestamp != 1700000000 {
		t.Fatalf("timestamp=%d", doc.Timestamp)
	}
	got := doc.State.Reported
	if got.HostDeviceName != "pi-01" || len(got.Sensors) != 2 || !got.Sensors[0].Active || got.Sensors[1].Active {
		t.Fatalf("reported=%+v", got)
	}
}

func TestReporter_ReportWrapsPublishError(t *testing.T) {
	t.Parallel()

	broker := errors.New("not connected")
	r := NewReporter(&capture{err: broker}, staticHealth{}, "cxlogger", "pi-01", time.Minute, quiet())
	if err := r.Report(context.Background()); !errors.Is(err, broker) {
		t.Fatalf("err=%v", err)
	}
}

func TestReporter_RunPublishesUntilCancelled(t *testing.T) {
	t.Parallel()

	pub := &capture{}
	r := NewReporter(pub, staticHealth{HostDeviceName: "pi-01"}, "cxlogger", "pi-01", 5*time.Millisecond, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for pub.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("reports=%d", pub.count())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
