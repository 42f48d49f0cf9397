package mqttlink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bioreactor/internal/command"
)

type published struct {
	topic   string
	payload []byte
}

func newTestBridge(t *testing.T, h Handler) (*Bridge, *[]published) {
	t.Helper()
	b := New(Config{Broker: "tcp://localhost:1883"}, h, nil)
	var out []published
	b.publish = func(topic string, payload []byte) error {
		out = append(out, published{topic, append([]byte(nil), payload...)})
		return nil
	}
	return b, &out
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestNew_GeneratesClientID(t *testing.T) {
	b := New(Config{}, nil, nil)
	assert.Regexp(t, `^bioreactor-[0-9a-f-]{36}$`, b.cfg.ClientID)
	assert.NotZero(t, b.cfg.ConnectTimeout)

	b = New(Config{ClientID: "vessel-1"}, nil, nil)
	assert.Equal(t, "vessel-1", b.cfg.ClientID)
}

func TestRPC_RespondsOnRequestID(t *testing.T) {
	d := command.NewDispatcher(nil, nil)
	d.Method("setRPM", func(params any) (command.Response, error) {
		v, _ := command.Param(params, "value")
		return command.Response{"status": "ok", "rpm": v}, nil
	})
	b, out := newTestBridge(t, d)

	b.route("v1/devices/me/rpc/request/42", []byte(`{"method":"setRPM","params":{"value":800}}`))

	require.Len(t, *out, 1)
	assert.Equal(t, "v1/devices/me/rpc/response/42", (*out)[0].topic)
	assert.Equal(t, map[string]any{"status": "ok", "rpm": 800.0}, decode(t, (*out)[0].payload))
}

func TestRPC_UnknownMethodAndBadPayload(t *testing.T) {
	b, out := newTestBridge(t, command.NewDispatcher(nil, nil))

	b.route("v1/devices/me/rpc/request/7", []byte(`{"method":"selfDestruct"}`))
	b.route("v1/devices/me/rpc/request/8", []byte(`not json`))

	require.Len(t, *out, 2)
	assert.Equal(t, map[string]any{"error": "Unknown method: selfDestruct"}, decode(t, (*out)[0].payload))
	assert.Equal(t, "v1/devices/me/rpc/response/8", (*out)[1].topic)
	assert.Contains(t, decode(t, (*out)[1].payload), "error")
}

func TestAttributes_PushAndResponseApplied(t *testing.T) {
	d := command.NewDispatcher(nil, nil)
	var got []float64
	d.Attribute("target_rpm", func(v any) error {
		f, err := command.Float(v)
		got = append(got, f)
		return err
	})
	b, out := newTestBridge(t, d)

	b.route(TopicAttributes, []byte(`{"target_rpm":900,"unrelated":"x"}`))
	b.route("v1/devices/me/attributes/response/1", []byte(`{"shared":{"target_rpm":1000}}`))
	b.route(TopicAttributes, []byte(`{{`))

	assert.Equal(t, []float64{900, 1000}, got)
	assert.Empty(t, *out)
}

func TestRequestShared(t *testing.T) {
	b, out := newTestBridge(t, nil)
	require.NoError(t, b.requestShared())
	require.Len(t, *out, 1)
	assert.Equal(t, TopicAttrRequest, (*out)[0].topic)
	keys := decode(t, (*out)[0].payload)["sharedKeys"]
	assert.Equal(t, "target_pH,pH_tolerance,target_temperature,temp_tolerance,target_rpm,system_active", keys)
}

func TestPublish_Telemetry(t *testing.T) {
	b, out := newTestBridge(t, nil)
	require.NoError(t, b.Publish(context.Background(), command.Telemetry{"pH": 7.02, "heater_state": true}))
	require.Len(t, *out, 1)
	assert.Equal(t, TopicTelemetry, (*out)[0].topic)
	assert.Equal(t, map[string]any{"pH": 7.02, "heater_state": true}, decode(t, (*out)[0].payload))
	assert.Equal(t, "mqtt", b.Name())
}

func TestPublish_PropagatesError(t *testing.T) {
	b, _ := newTestBridge(t, nil)
	boom := errors.New("not connected")
	b.publish = func(string, []byte) error { return boom }
	assert.ErrorIs(t, b.Publish(context.Background(), command.Telemetry{}), boom)
}

func TestClientPublish_NotConnected(t *testing.T) {
	b := New(Config{}, nil, nil)
	assert.Error(t, b.Publish(context.Background(), command.Telemetry{}))
}

func TestMatches(t *testing.T) {
	assert.True(t, matches(TopicRPCRequest, "v1/devices/me/rpc/request/1"))
	assert.False(t, matches(TopicRPCRequest, "v1/devices/me/rpc/request/"))
	assert.False(t, matches(TopicRPCRequest, "v1/devices/me/rpc/request/1/x"))
	assert.False(t, matches(TopicRPCRequest, "v1/devices/me/attributes"))
}
