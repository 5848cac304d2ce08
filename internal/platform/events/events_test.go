package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestEncodeMarksPersistentJSON(t *testing.T) {
	ev := Event{
		ID:         "ev-1",
		Type:       TopupSettled,
		OccurredAt: time.Date(2026, 7, 3, 10, 0, 0, 0, time.UTC),
		Data:       map[string]any{"paymentId": "pay-1", "amount": "25.00"},
	}
	msg, err := encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" {
		t.Fatalf("unexpected publishing: %+v", msg)
	}
	if msg.Type != TopupSettled || msg.MessageId != "ev-1" {
		t.Fatalf("unexpected routing metadata: type=%s id=%s", msg.Type, msg.MessageId)
	}
	var back Event
	if err := json.Unmarshal(msg.Body, &back); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if back.Data["amount"] != "25.00" {
		t.Fatalf("unexpected body: %s", msg.Body)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("broker down") }

func TestPublishBestEffortLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	PublishBestEffort(context.Background(), failingPublisher{}, logger, Event{ID: "ev-2", Type: PaymentRecorded})
	if !strings.Contains(buf.String(), "broker down") {
		t.Fatalf("expected failure to be logged, got=%s", buf.String())
	}

	rec := &Recorder{}
	PublishBestEffort(context.Background(), rec, logger, Event{ID: "ev-3", Type: PaymentRecorded})
	if got := rec.Types(); len(got) != 1 || got[0] != PaymentRecorded {
		t.Fatalf("unexpected recorded types: %v", got)
	}
}
