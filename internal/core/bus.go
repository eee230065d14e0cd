package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventBus wraps NATS JetStream for telemetry consumption and incident
// publishing. If configured embedded, it also runs the broker in-process,
// which keeps local development and tests broker-free.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	cfg    BusConfig

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewEventBus connects to NATS (starting an embedded server first when
// cfg.Embedded) and ensures the telemetry and incidents streams exist.
func NewEventBus(cfg BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger: logger.With().Str("component", "event_bus").Logger(),
		cfg:    cfg,
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	// Create or update the telemetry events stream. AddStream returns the
	// existing stream when config matches; a config drift from an earlier
	// version is resolved with an update.
	telemetryStreamCfg := &nats.StreamConfig{
		Name:      "TELEMETRY_EVENTS",
		Subjects:  []string{cfg.Subject},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7, // 7 days retention
		MaxBytes:  1024 * 1024 * 1024, // 1GB max
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	_, err = js.AddStream(telemetryStreamCfg)
	if err != nil {
		if _, updateErr := js.UpdateStream(telemetryStreamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating telemetry stream: %w (original: %v)", updateErr, err)
		}
	}

	incidentsStreamCfg := &nats.StreamConfig{
		Name:      "TELEMETRY_INCIDENTS",
		Subjects:  []string{cfg.IncidentsSubject},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30, // 30 days retention
		MaxBytes:  256 * 1024 * 1024,   // 256MB max
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	_, err = js.AddStream(incidentsStreamCfg)
	if err != nil {
		if _, updateErr := js.UpdateStream(incidentsStreamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating incidents stream: %w (original: %v)", updateErr, err)
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// SubscribeTelemetry subscribes to the telemetry subject with a durable
// consumer on a queue group, so multiple detection-core instances share the
// stream. The handler receives the raw payload and owns decoding; messages
// are acked once handed off (at-least-once, upserts make redelivery safe).
func (b *EventBus) SubscribeTelemetry(handler func(data []byte)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit(), nats.ManualAck()}
	if b.cfg.Durable != "" {
		opts = append(opts, nats.Durable(b.cfg.Durable))
	}

	sub, err := b.js.QueueSubscribe(b.cfg.Subject, b.cfg.Durable, func(msg *nats.Msg) {
		handler(msg.Data)
		_ = msg.Ack()
	}, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.cfg.Subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().
		Str("subject", b.cfg.Subject).
		Str("durable", b.cfg.Durable).
		Msg("telemetry subscription active")
	return nil
}

// PublishIncident publishes a created incident for downstream alerting
// consumers.
func (b *EventBus) PublishIncident(inc *Incident) error {
	data, err := inc.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling incident: %w", err)
	}

	if _, err := b.js.Publish(b.cfg.IncidentsSubject, data); err != nil {
		return fmt.Errorf("publishing incident to %s: %w", b.cfg.IncidentsSubject, err)
	}

	b.logger.Debug().
		Str("incident_id", inc.ID).
		Str("severity", inc.Severity.String()).
		Msg("incident published")
	return nil
}

// Close drains subscriptions, closes the connection and stops the embedded
// server if one is running.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}

	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}

	return nil
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}
