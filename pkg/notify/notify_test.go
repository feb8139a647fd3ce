package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gregtusar/tradedesk/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeChannel struct {
	key  string
	msgs []amqp.Publishing
	err  error
}

func (f *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = key
	f.msgs = append(f.msgs, msg)
	return nil, nil
}

func (f *fakeChannel) Close() error { return nil }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sampleEvent() models.LiquidationEvent {
	return models.LiquidationEvent{
		EventID:       "evt-1",
		TransactionID: "tx-9",
		Pair:          "EURUSD",
		Side:          models.SideBuy,
		ClosedAt:      decimal.RequireFromString("1.0712"),
		Loss:          decimal.NewFromInt(-500),
		ComputedLoss:  decimal.NewFromInt(-612),
		TotalFunds:    decimal.NewFromInt(500),
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublisherSendsPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{channel: ch, queue: DefaultQueue, timeout: time.Second, logger: quietLogger()}

	if err := p.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if ch.key != DefaultQueue || len(ch.msgs) != 1 {
		t.Fatalf("key=%q msgs=%d", ch.key, len(ch.msgs))
	}
	msg := ch.msgs[0]
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent || msg.MessageId != "evt-1" {
		t.Errorf("unexpected headers: %+v", msg)
	}

	var got map[string]any
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if got["transaction_id"] != "tx-9" || got["loss"] != "-500" {
		t.Errorf("body=%v", got)
	}
}

func TestPublisherWrapsPublishError(t *testing.T) {
	boom := errors.New("channel closed")
	p := &Publisher{channel: &fakeChannel{err: boom}, queue: DefaultQueue, timeout: time.Second, logger: quietLogger()}

	err := p.Notify(context.Background(), sampleEvent())
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped %v", err, boom)
	}
}

func TestNopAcceptsEverything(t *testing.T) {
	var n Nop
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
}
