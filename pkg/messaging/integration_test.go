package messaging_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum-backend/pkg/config"
	"github.com/stratumhq/stratum-backend/pkg/logger"
	"github.com/stratumhq/stratum-backend/pkg/messaging"
	"github.com/stratumhq/stratum-backend/pkg/testutil"
)

var (
	brokerOnce sync.Once
	brokerURL  string
	brokerErr  error
)

func broker(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	brokerOnce.Do(func() {
		c, err := testutil.NewRabbitMQContainer(context.Background())
		if err != nil {
			brokerErr = err
			return
		}
		brokerURL = c.URL
	})
	if brokerErr != nil {
		t.Skipf("rabbitmq container unavailable: %v", brokerErr)
	}
	return brokerURL
}

// One published event reaches a durable work queue and a replica-private
// broadcast queue, payload and correlation id intact.
func TestBrokerRoundTrip(t *testing.T) {
	url := broker(t)
	log := logger.New("messaging-test", "test")

	cfg := &config.EventsConfig{
		URL:            url,
		Exchange:       "stratum.events",
		ReconnectDelay: time.Second,
		MaxRetries:     3,
		PrefetchCount:  8,
	}
	rmq, err := messaging.New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { rmq.Close() })

	pub, err := messaging.NewPublisher(rmq, cfg.Exchange, "messaging-test", log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	workCh := make(chan messaging.RecordChangeEvent, 1)
	work, err := messaging.NewWorkConsumer(rmq, "messaging-test.records", log)
	require.NoError(t, err)
	require.NoError(t, work.Subscribe(cfg.Exchange, "record.*"))
	work.RegisterHandler(messaging.EventRecordCreated, func(ctx context.Context, evt *messaging.Event) error {
		var change messaging.RecordChangeEvent
		if err := evt.UnmarshalData(&change); err != nil {
			return err
		}
		workCh <- change
		return nil
	})
	require.NoError(t, work.Start(ctx))

	castCh := make(chan string, 1)
	cast, err := messaging.NewBroadcastConsumer(rmq, "", log)
	require.NoError(t, err)
	require.NoError(t, cast.Subscribe(cfg.Exchange, "record.*"))
	cast.RegisterHandler(messaging.EventRecordCreated, func(ctx context.Context, evt *messaging.Event) error {
		castCh <- evt.CorrelationID
		return nil
	})
	require.NoError(t, cast.Start(ctx))

	pubCtx := messaging.WithCorrelationID(context.Background(), "req-7")
	require.NoError(t, pub.Publish(pubCtx, messaging.EventRecordCreated, messaging.RecordChangeEvent{
		Tenant:    "acme",
		Model:     "orders",
		Operation: "create",
		RecordIDs: []string{"a1"},
	}))

	select {
	case change := <-workCh:
		assert.Equal(t, "acme", change.Tenant)
		assert.Equal(t, "orders", change.Model)
		assert.Equal(t, []string{"a1"}, change.RecordIDs)
	case <-time.After(10 * time.Second):
		t.Fatal("work consumer did not receive the event")
	}

	select {
	case corr := <-castCh:
		assert.Equal(t, "req-7", corr, "correlation id crosses the wire")
	case <-time.After(10 * time.Second):
		t.Fatal("broadcast consumer did not receive the event")
	}
}
