package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowguard/internal/config"
)

func TestNewKafkaCommandConsumer(t *testing.T) {
	h, _, _ := newTestHandler()

	valid := config.CommandKafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "flowguard-commands",
		GroupID: "flowguard",
	}
	tests := []struct {
		name    string
		mutate  func(c *config.CommandKafkaConfig)
		wantErr bool
	}{
		{"valid", func(c *config.CommandKafkaConfig) {}, false},
		{"with responses", func(c *config.CommandKafkaConfig) { c.ResponseTopic = "flowguard-responses" }, false},
		{"missing brokers", func(c *config.CommandKafkaConfig) { c.Brokers = nil }, true},
		{"missing topic", func(c *config.CommandKafkaConfig) { c.Topic = "" }, true},
		{"missing group", func(c *config.CommandKafkaConfig) { c.GroupID = "" }, true},
		{"sasl plain", func(c *config.CommandKafkaConfig) {
			c.SASL = config.SASLConfig{Enabled: true, Mechanism: "PLAIN", Username: "u", Password: "p"}
		}, false},
		{"sasl scram", func(c *config.CommandKafkaConfig) {
			c.SASL = config.SASLConfig{Enabled: true, Mechanism: "SCRAM-SHA-512", Username: "u", Password: "p"}
		}, false},
		{"sasl unknown", func(c *config.CommandKafkaConfig) {
			c.SASL = config.SASLConfig{Enabled: true, Mechanism: "GSSAPI"}
		}, true},
		{"tls missing ca", func(c *config.CommandKafkaConfig) {
			c.TLS = config.TLSConfig{Enabled: true, CACert: "/nonexistent/ca.pem"}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kc := valid
			tt.mutate(&kc)
			c, err := NewKafkaCommandConsumer(config.CommandChannelConfig{Kafka: kc}, config.NodeConfig{Hostname: "edge-01"}, h)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultCommandTTL, c.ttl)
			assert.Equal(t, kc.ResponseTopic != "", c.writer != nil)
			assert.NoError(t, c.Stop())
			assert.NoError(t, c.Stop())
		})
	}
}

func testConsumer(h *CommandHandler, w *fakeWriter) *KafkaCommandConsumer {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	c := &KafkaCommandConsumer{
		hostname: "edge-01",
		nodeIP:   "10.0.0.5",
		handler:  h,
		ttl:      time.Minute,
		now:      func() time.Time { return now },
	}
	if w != nil {
		c.writer = w
	}
	return c
}

func message(t *testing.T, cmd KafkaCommand) kafka.Message {
	t.Helper()
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestKafkaConsumerFiltering(t *testing.T) {
	issued := time.Date(2024, 1, 15, 10, 29, 30, 0, time.UTC)
	tests := []struct {
		name     string
		cmd      KafkaCommand
		executed bool
	}{
		{"targeted", KafkaCommand{Target: "edge-01", Timestamp: issued}, true},
		{"broadcast", KafkaCommand{Target: "*", Timestamp: issued}, true},
		{"no target", KafkaCommand{Timestamp: issued}, true},
		{"by address", KafkaCommand{Target: "10.0.0.5", Timestamp: issued}, true},
		{"other node", KafkaCommand{Target: "edge-02", Timestamp: issued}, false},
		{"stale", KafkaCommand{Target: "*", Timestamp: issued.Add(-time.Hour)}, false},
		{"no timestamp", KafkaCommand{Target: "*"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, r := newTestHandler()
			w := &fakeWriter{}
			c := testConsumer(h, w)

			tt.cmd.Command = MethodDeleteAppRules
			tt.cmd.RequestID = "req-1"
			tt.cmd.Payload = json.RawMessage(`{"owner":"app-a"}`)
			if tt.executed {
				r.On("DeleteAllRulesByApp", mock.Anything, "app-a").Return(1, nil).Once()
			}

			require.NoError(t, c.processMessage(context.Background(), message(t, tt.cmd)))
			r.AssertExpectations(t)
			assert.Len(t, w.msgs, map[bool]int{true: 1, false: 0}[tt.executed])
		})
	}
}

func TestKafkaConsumerPublishesResponse(t *testing.T) {
	h, _, r := newTestHandler()
	r.On("DeleteAllRulesByApp", mock.Anything, "app-a").Return(2, nil)
	w := &fakeWriter{}
	c := testConsumer(h, w)

	err := c.processMessage(context.Background(), message(t, KafkaCommand{
		Target:    "edge-01",
		Command:   MethodDeleteAppRules,
		RequestID: "req-7",
		Payload:   json.RawMessage(`{"owner":"app-a"}`),
	}))
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "req-7", string(w.msgs[0].Key))

	var resp struct {
		Source    string               `json:"source"`
		Command   string               `json:"command"`
		RequestID string               `json:"request_id"`
		Result    DeleteAppRulesResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &resp))
	assert.Equal(t, "edge-01", resp.Source)
	assert.Equal(t, MethodDeleteAppRules, resp.Command)
	assert.Equal(t, DeleteAppRulesResult{Owner: "app-a", Cleared: 2}, resp.Result)
}

func TestKafkaConsumerReportsFailures(t *testing.T) {
	h, _, _ := newTestHandler()
	c := testConsumer(h, nil)

	err := c.processMessage(context.Background(), kafka.Message{Value: []byte("{")})
	assert.Error(t, err)

	err = c.processMessage(context.Background(), message(t, KafkaCommand{Command: "reboot"}))
	var info *ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, ErrCodeMethodNotFound, info.Code)
}
