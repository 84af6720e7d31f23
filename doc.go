// Package capbus provides reliable message delivery between services using
// the transactional outbox and inbox patterns over an abstract broker
// transport.
//
// Every published message is stored before it is sent, and every received
// message is stored before it is acknowledged, so a crash on either side
// causes redelivery instead of loss. Brokers deliver at least once; handlers
// observe effectively-once processing through the persisted state machine
// (Scheduled, Processing, Succeeded, Failed) with bounded retries and
// quarantine for messages that can never succeed.
//
// Basic example:
//
//	store := memory.New()
//	bus, err := capbus.NewBus("orders",
//	    capbus.WithStorage(store),
//	    capbus.WithTransport(channel.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	bus.Subscribe("order.created", func(ctx context.Context, m *message.Message) (any, error) {
//	    var order Order
//	    if err := json.Unmarshal(m.Body, &order); err != nil {
//	        return nil, err
//	    }
//	    return nil, process(order)
//	}, capbus.WithGroup("billing"))
//
//	if err := bus.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Close(ctx)
//
//	bus.Publish(ctx, "order.created", order)
//
// Transactional publish ties the message to a business write:
//
//	tx, _ := db.BeginTx(ctx, nil)
//	// ... business writes on tx ...
//	bus.PublishWithTx(ctx, tx, "order.created", order)
//	tx.Commit() // message becomes durable with the write
//
// Bus Options:
//   - WithStorage: message store (required). sqlstore, mongodb or memory.
//   - WithTransport: broker transport (required). channel, kafka, nats, redis.
//   - WithMaxRetries / WithInlineRetries: retry ceiling and immediate attempts.
//   - WithRetryInterval / WithLookbackWindow: retry scan tuning.
//   - WithSucceedRetention / WithFailedRetention: how long terminal rows live.
//   - WithFailedCallback: one-shot notification when retries are exhausted.
//   - WithRateLimit: throttle outbound sends.
//   - WithTracing / WithMetrics: OpenTelemetry instrumentation.
//
// Publish Options:
//   - WithDelay / WithDelayUntil: hold delivery until a due time.
//   - WithCallback: publish the handler's return value to another topic,
//     chained by correlation id and sequence.
//   - WithHeaders / WithHeader: custom headers.
//   - WithSerializerTag: pick the body serializer per publish.
package capbus
