package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/spvg/gaspanel/internal/config"
	"github.com/spvg/gaspanel/internal/events"
)

// ErrNotStarted is returned by operations that need a live connection
// manager before [Session.Start] has run.
var ErrNotStarted = errors.New("mqtt session not started")

// Session owns the single broker connection.
type Session struct {
	cfg      config.MQTTConfig
	clientID string
	filters  []string
	handler  MessageHandler
	limiter  *messageRateLimiter
	logger   *slog.Logger
	bus      *events.Bus

	connected atomic.Bool

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Session but does not connect. filters are subscribed
// on every connection up; handler receives every message that passes
// the rate limiter. Call [Session.Start] to connect.
func New(cfg config.MQTTConfig, clientID string, filters []string, handler MessageHandler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	limit := int64(cfg.RateLimitPerMinute)
	if limit <= 0 {
		limit = 600
	}
	return &Session{
		cfg:      cfg,
		clientID: clientID,
		filters:  filters,
		handler:  handler,
		limiter:  newMessageRateLimiter(limit, time.Minute, logger),
		logger:   logger,
	}
}

// SetEventBus enables connection events. Must be called before Start.
func (s *Session) SetEventBus(b *events.Bus) {
	s.bus = b
}

// ClientID returns the MQTT client identifier.
func (s *Session) ClientID() string { return s.clientID }

// Start dials the broker and returns once the connection manager is
// running; autopaho keeps reconnecting in the background until ctx is
// cancelled or [Session.Stop] is called.
func (s *Session) Start(ctx context.Context) error {
	pahoCfg, err := s.clientConfig(ctx)
	if err != nil {
		return err
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	s.mu.Lock()
	s.cm = cm
	s.mu.Unlock()

	go s.limiter.start(ctx)
	return nil
}

func (s *Session) clientConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	keepAlive := s.cfg.KeepAliveSec
	if keepAlive <= 0 {
		keepAlive = 30
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(keepAlive),
		CleanStartOnInitialConnection: true,
		ConnectUsername:               s.cfg.Username,
		ConnectPassword:               []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker, "client_id", s.clientID)
			s.setConnected(true, nil)
			s.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "broker", s.cfg.Broker, "error", err)
			s.setConnected(false, err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
				s.setConnected(false, fmt.Errorf("server disconnect (reason %d)", d.ReasonCode))
			},
			OnClientError: func(err error) {
				s.logger.Warn("mqtt client error", "error", err)
				s.setConnected(false, err)
			},
		},
	}

	if tlsCfg := tlsConfigFor(brokerURL); tlsCfg != nil {
		cfg.TlsCfg = tlsCfg
	}
	return cfg, nil
}

// tlsConfigFor enables TLS for mqtts:// and ssl:// schemes.
func tlsConfigFor(u *url.URL) *tls.Config {
	switch u.Scheme {
	case "mqtts", "ssl":
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(s.filters) == 0 {
		return
	}
	sub := &paho.Subscribe{Subscriptions: subscriptionsFor(s.filters)}
	if _, err := cm.Subscribe(ctx, sub); err != nil {
		s.logger.Warn("mqtt subscribe failed", "topics", s.filters, "error", err)
		return
	}
	s.logger.Info("mqtt subscribed", "topics", s.filters)
}

func subscriptionsFor(filters []string) []paho.SubscribeOptions {
	subs := make([]paho.SubscribeOptions, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, paho.SubscribeOptions{Topic: f, QoS: 0})
	}
	return subs
}

// dispatch passes an inbound message through the rate limiter to the
// handler.
func (s *Session) dispatch(topic string, payload []byte) {
	if !s.limiter.allow() {
		return
	}
	if s.handler != nil {
		s.handler(topic, payload)
	}
}

func (s *Session) setConnected(up bool, cause error) {
	if s.connected.Swap(up) == up {
		return
	}
	data := map[string]any{"service": "mqtt", "ready": up}
	if cause != nil {
		data["error"] = cause.Error()
	}
	s.bus.Publish(events.Event{
		Source: events.SourceMQTT,
		Kind:   events.KindConnection,
		Data:   data,
	})
}

// Connected reports whether the broker connection is currently up.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

func (s *Session) manager() *autopaho.ConnectionManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cm
}

// Publish sends payload on topic with QoS 0, not retained.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	cm := s.manager()
	if cm == nil {
		return ErrNotStarted
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  false,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	s.logger.Debug("mqtt message published", "topic", topic, "payload_size", len(payload))
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used by connwatch probes and one-shot commands.
func (s *Session) AwaitConnection(ctx context.Context) error {
	cm := s.manager()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// Stop disconnects from the broker. The context bounds how long to
// wait for the DISCONNECT to be sent.
func (s *Session) Stop(ctx context.Context) error {
	cm := s.manager()
	if cm == nil {
		return nil
	}
	err := cm.Disconnect(ctx)
	s.setConnected(false, nil)
	return err
}
