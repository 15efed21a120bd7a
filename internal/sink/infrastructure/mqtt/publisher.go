package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	sink "fhem-bridge/internal/sink/domain"
)

const (
	defaultTopicPrefix = "fhem"
	publishTimeout     = 5 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

// Config describes the broker connection.
type Config struct {
	BrokerURL     string
	ClientID      string
	Username      string
	Password      string
	TopicPrefix   string
	QoS           byte
	TLSSkipVerify bool
}

// CommandSource executes commands received on the command topics.
type CommandSource interface {
	ExecuteCommand(ctx context.Context, ref, cmd string) (string, error)
	ReloadConnection(ctx context.Context, ref, device string) error
}

// Publisher mirrors forwarded readings to MQTT and accepts commands from it.
//
// Topics:
//
//	<prefix>/<device>/<reading>          retained reading value
//	<prefix>/bridge/status               online / offline (will)
//	<prefix>/bridge/<connection>/command command text for a controller
//	<prefix>/bridge/<connection>/reload  optional device name to reload
//
// Command topics have one level more than reading topics, so a reading
// named command or reload is never taken for a command.
type Publisher struct {
	cfg       Config
	client    paho.Client
	commands  CommandSource
	logger    *zap.Logger
	connected atomic.Bool
}

// NewPublisher constructs a publisher; Connect opens the session.
func NewPublisher(cfg Config, commands CommandSource, logger *zap.Logger) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: empty broker url")
	}
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt: invalid broker url: %w", err)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fhem-bridge"
	}
	p := newPublisher(cfg, commands, logger)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}) //nolint:gosec // private brokers
	}
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetWill(p.statusTopic(), statusOffline, cfg.QoS, true)

	p.client = paho.NewClient(opts)
	return p, nil
}

func newPublisher(cfg Config, commands CommandSource, logger *zap.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{cfg: cfg, commands: commands, logger: logger}
}

// Bind sets the command source. It must be called before Connect.
func (p *Publisher) Bind(commands CommandSource) {
	p.commands = commands
}

// Connect opens the broker session.
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	return nil
}

// OnDecodedEvent publishes the reading value as a retained message.
func (p *Publisher) OnDecodedEvent(_ context.Context, update sink.Update) error {
	if !p.connected.Load() {
		return nil
	}
	return p.publish(p.ReadingTopic(update.Device, update.Reading), update.Value, true)
}

// ReadingTopic returns the topic of one device reading.
func (p *Publisher) ReadingTopic(device, reading string) string {
	return p.cfg.TopicPrefix + "/" + topicSegment(device) + "/" + topicSegment(reading)
}

// Close publishes the offline status and disconnects.
func (p *Publisher) Close() {
	if p.client == nil {
		return
	}
	if p.connected.Load() {
		_ = p.publish(p.statusTopic(), statusOffline, true)
	}
	p.client.Disconnect(250)
	p.connected.Store(false)
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/bridge/status"
}

func (p *Publisher) controlPrefix() string {
	return p.cfg.TopicPrefix + "/bridge/"
}

func (p *Publisher) onConnect(client paho.Client) {
	p.connected.Store(true)
	p.logger.Info("mqtt connected", zap.String("broker", p.cfg.BrokerURL))
	if err := p.publish(p.statusTopic(), statusOnline, true); err != nil {
		p.logger.Warn("mqtt status publish failed", zap.Error(err))
	}
	if p.commands == nil {
		return
	}
	filters := map[string]byte{
		p.controlPrefix() + "+/command": p.cfg.QoS,
		p.controlPrefix() + "+/reload":  p.cfg.QoS,
	}
	token := client.SubscribeMultiple(filters, p.onMessage)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		p.logger.Warn("mqtt subscribe failed", zap.Error(token.Error()))
	}
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn("mqtt connection lost", zap.Error(err))
}

func (p *Publisher) onMessage(_ paho.Client, msg paho.Message) {
	p.handle(msg.Topic(), string(msg.Payload()))
}

func (p *Publisher) handle(topic, payload string) {
	rest, ok := strings.CutPrefix(topic, p.controlPrefix())
	if !ok {
		return
	}
	connection, action, ok := strings.Cut(rest, "/")
	if !ok || connection == "" || strings.Contains(action, "/") {
		return
	}
	payload = strings.TrimSpace(payload)
	ctx := context.Background()

	switch action {
	case "command":
		requestID, err := p.commands.ExecuteCommand(ctx, connection, payload)
		if err != nil {
			p.logger.Warn("mqtt command rejected", zap.String("connection", connection), zap.Error(err))
			return
		}
		p.logger.Info("mqtt command accepted", zap.String("connection", connection), zap.String("request_id", requestID))
	case "reload":
		if err := p.commands.ReloadConnection(ctx, connection, payload); err != nil {
			p.logger.Warn("mqtt reload rejected", zap.String("connection", connection), zap.Error(err))
		}
	}
}

func (p *Publisher) publish(topic, payload string, retained bool) error {
	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicSegment(value string) string {
	return segmentReplacer.Replace(value)
}
