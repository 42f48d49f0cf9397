// Package mqttlink connects the command surface to a ThingsBoard-style MQTT
// device API: RPC requests and responses, shared attribute pushes and
// periodic telemetry.
package mqttlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"bioreactor/internal/command"
)

const (
	TopicRPCRequest        = "v1/devices/me/rpc/request/+"
	TopicRPCResponsePrefix = "v1/devices/me/rpc/response/"
	TopicAttributes        = "v1/devices/me/attributes"
	TopicAttrResponse      = "v1/devices/me/attributes/response/+"
	TopicAttrRequest       = "v1/devices/me/attributes/request/1"
	TopicTelemetry         = "v1/devices/me/telemetry"
)

// SharedKeys are requested on every (re)connect so the device starts from
// the server's current targets.
var SharedKeys = []string{
	"target_pH", "pH_tolerance",
	"target_temperature", "temp_tolerance",
	"target_rpm", "system_active",
}

// Handler is the command surface; command.Dispatcher implements it.
type Handler interface {
	Call(ctx context.Context, req command.Request) command.Response
	Apply(ctx context.Context, attrs map[string]any) error
}

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

type Bridge struct {
	cfg Config
	h   Handler
	log *slog.Logger
	ctx context.Context

	client  mqtt.Client
	publish func(topic string, payload []byte) error
}

func New(cfg Config, h Handler, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "bioreactor-" + uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	b := &Bridge{cfg: cfg, h: h, log: log, ctx: context.Background()}
	b.publish = b.clientPublish
	return b
}

// Start connects and subscribes. paho reconnects on its own afterwards and
// the OnConnect hook re-subscribes each time. Handlers run with ctx.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx = ctx
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn("mqtt connection lost", "error", err)
		})
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
	}
	if b.cfg.Password != "" {
		opts.SetPassword(b.cfg.Password)
	}
	b.client = mqtt.NewClient(opts)

	tok := b.client.Connect()
	if !tok.WaitTimeout(b.cfg.ConnectTimeout) {
		// SetConnectRetry keeps trying in the background.
		b.log.Warn("mqtt broker not reachable yet, retrying", "broker", b.cfg.Broker)
		return nil
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqttlink: connect %s: %w", b.cfg.Broker, err)
	}
	return nil
}

func (b *Bridge) Close() {
	if b.client != nil {
		b.client.Disconnect(250)
	}
}

func (b *Bridge) onConnect(c mqtt.Client) {
	b.log.Info("mqtt connected", "broker", b.cfg.Broker, "client_id", b.cfg.ClientID)
	subs := map[string]byte{
		TopicRPCRequest:   b.cfg.QoS,
		TopicAttributes:   b.cfg.QoS,
		TopicAttrResponse: b.cfg.QoS,
	}
	tok := c.SubscribeMultiple(subs, func(_ mqtt.Client, m mqtt.Message) {
		b.route(m.Topic(), m.Payload())
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		b.log.Error("mqtt subscribe failed", "error", err)
		return
	}
	if err := b.requestShared(); err != nil {
		b.log.Warn("mqtt shared attribute request failed", "error", err)
	}
}

func (b *Bridge) requestShared() error {
	payload, err := json.Marshal(map[string]string{"sharedKeys": strings.Join(SharedKeys, ",")})
	if err != nil {
		return err
	}
	return b.publish(TopicAttrRequest, payload)
}

func (b *Bridge) route(topic string, payload []byte) {
	switch {
	case topic == TopicAttributes, matches(TopicAttrResponse, topic):
		b.onAttributes(payload)
	case matches(TopicRPCRequest, topic):
		b.onRPC(topic, payload)
	default:
		b.log.Debug("mqtt message on unexpected topic", "topic", topic)
	}
}

// matches handles the single trailing "+" wildcard used above.
func matches(filter, topic string) bool {
	rest, ok := strings.CutPrefix(topic, strings.TrimSuffix(filter, "+"))
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func (b *Bridge) onRPC(topic string, payload []byte) {
	id := command.RequestIDFromTopic(topic)
	req, err := command.DecodeRequest(payload)
	var resp command.Response
	if err != nil {
		b.log.Warn("mqtt rpc decode failed", "id", id, "error", err)
		resp = command.ErrorResponse(err)
	} else {
		req.ID = id
		resp = b.h.Call(b.ctx, req)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		b.log.Error("mqtt rpc response encode failed", "id", id, "error", err)
		return
	}
	if err := b.publish(TopicRPCResponsePrefix+id, out); err != nil {
		b.log.Warn("mqtt rpc response publish failed", "id", id, "error", err)
	}
}

func (b *Bridge) onAttributes(payload []byte) {
	attrs, err := command.DecodeAttributes(payload)
	if err != nil {
		b.log.Warn("mqtt attribute decode failed", "error", err)
		return
	}
	// Apply logs each rejected key itself.
	_ = b.h.Apply(b.ctx, attrs)
}

func (b *Bridge) Name() string { return "mqtt" }

// Publish sends one telemetry snapshot.
func (b *Bridge) Publish(_ context.Context, t command.Telemetry) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("mqttlink: encode telemetry: %w", err)
	}
	return b.publish(TopicTelemetry, payload)
}

func (b *Bridge) clientPublish(topic string, payload []byte) error {
	if b.client == nil || !b.client.IsConnectionOpen() {
		return fmt.Errorf("mqttlink: not connected")
	}
	tok := b.client.Publish(topic, b.cfg.QoS, false, payload)
	if !tok.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("mqttlink: publish %s timed out", topic)
	}
	return tok.Error()
}
