package command

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"firestige.xyz/flowguard/internal/config"
)

const defaultCommandTTL = 5 * time.Minute

// KafkaCommand is the wire format for commands received via Kafka.
//
//	{
//	  "version":    "v1",
//	  "target":     "edge-01",
//	  "command":    "add_rule",
//	  "timestamp":  "2024-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    { ... }
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`
	Target    string          `json:"target"` // hostname or IP, "*" or empty for broadcast
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// KafkaResponse is published to the response topic for every command this
// node executed.
type KafkaResponse struct {
	Version   string      `json:"version"`
	Source    string      `json:"source"`
	Command   string      `json:"command"`
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Result    interface{} `json:"result,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes commands from Kafka and dispatches them to
// the handler.
type KafkaCommandConsumer struct {
	hostname string
	nodeIP   string
	topic    string
	reader   messageReader
	writer   messageWriter // nil when responses are disabled
	handler  *CommandHandler
	ttl      time.Duration
	now      func() time.Time
}

// NewKafkaCommandConsumer builds a consumer from the command channel config.
// Brokers, SASL and TLS must already carry the inherited global values.
func NewKafkaCommandConsumer(cc config.CommandChannelConfig, node config.NodeConfig, handler *CommandHandler) (*KafkaCommandConsumer, error) {
	kc := cc.Kafka
	if len(kc.Brokers) == 0 {
		return nil, errors.New("brokers is required")
	}
	if kc.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if kc.GroupID == "" {
		return nil, errors.New("group_id is required")
	}

	mechanism, err := saslMechanism(kc.SASL)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := tlsConfig(kc.TLS)
	if err != nil {
		return nil, err
	}

	startOffset := kafka.LastOffset
	if kc.AutoOffsetReset == "earliest" {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			SASLMechanism: mechanism,
			TLS:           tlsCfg,
		},
	})

	c := &KafkaCommandConsumer{
		hostname: node.Hostname,
		nodeIP:   node.IP,
		topic:    kc.Topic,
		reader:   reader,
		handler:  handler,
		ttl:      cc.CommandTTL,
		now:      time.Now,
	}
	if c.ttl <= 0 {
		c.ttl = defaultCommandTTL
	}
	if kc.ResponseTopic != "" {
		c.writer = &kafka.Writer{
			Addr:         kafka.TCP(kc.Brokers...),
			Topic:        kc.ResponseTopic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Transport: &kafka.Transport{
				SASL: mechanism,
				TLS:  tlsCfg,
			},
		}
	}
	return c, nil
}

// Start consumes commands until ctx is cancelled.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	slog.Info("kafka command consumer started", "topic", c.topic, "hostname", c.hostname, "ttl", c.ttl)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("kafka command consumer stopped", "reason", ctx.Err())
				return ctx.Err()
			}
			slog.Error("failed to fetch kafka message", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			slog.Error("failed to process command",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit message", "error", err)
		}
	}
}

// accepts reports whether kCmd is addressed to this node and still fresh.
func (c *KafkaCommandConsumer) accepts(kCmd KafkaCommand) bool {
	switch kCmd.Target {
	case "", "*", c.hostname:
	default:
		if c.nodeIP == "" || kCmd.Target != c.nodeIP {
			slog.Debug("skipping command not targeting this node",
				"target", kCmd.Target, "request_id", kCmd.RequestID)
			return false
		}
	}
	if !kCmd.Timestamp.IsZero() {
		if age := c.now().Sub(kCmd.Timestamp); age > c.ttl {
			slog.Warn("skipping stale command",
				"command", kCmd.Command, "request_id", kCmd.RequestID, "age", age, "ttl", c.ttl)
			return false
		}
	}
	return true
}

func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var kCmd KafkaCommand
	if err := json.Unmarshal(msg.Value, &kCmd); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}
	if !c.accepts(kCmd) {
		return nil
	}

	slog.Info("received kafka command", "command", kCmd.Command, "request_id", kCmd.RequestID)
	resp := c.handler.handleFrom(ctx, "kafka", Command{
		Method: kCmd.Command,
		Params: kCmd.Payload,
		ID:     kCmd.RequestID,
	})

	if c.writer != nil {
		if err := c.respond(ctx, kCmd, resp); err != nil {
			slog.Error("failed to publish command response", "request_id", kCmd.RequestID, "error", err)
		}
	}
	if resp.Error != nil {
		return fmt.Errorf("command %s failed: %w", kCmd.Command, resp.Error)
	}
	return nil
}

func (c *KafkaCommandConsumer) respond(ctx context.Context, kCmd KafkaCommand, resp Response) error {
	value, err := json.Marshal(KafkaResponse{
		Version:   "v1",
		Source:    c.hostname,
		Command:   kCmd.Command,
		RequestID: kCmd.RequestID,
		Timestamp: c.now().UTC(),
		Result:    resp.Result,
		Error:     resp.Error,
	})
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(kCmd.RequestID), Value: value})
}

// Stop closes the reader and the response writer. Safe to call twice.
func (c *KafkaCommandConsumer) Stop() error {
	var errs []error
	if c.reader != nil {
		slog.Info("closing kafka command consumer")
		if err := c.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka reader: %w", err))
		}
		c.reader = nil
	}
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
		c.writer = nil
	}
	return errors.Join(errs...)
}

func saslMechanism(sc config.SASLConfig) (sasl.Mechanism, error) {
	if !sc.Enabled {
		return nil, nil
	}
	switch strings.ToUpper(sc.Mechanism) {
	case "", "PLAIN":
		return plain.Mechanism{Username: sc.Username, Password: sc.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, sc.Username, sc.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, sc.Username, sc.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", sc.Mechanism)
	}
}

func tlsConfig(tc config.TLSConfig) (*tls.Config, error) {
	if !tc.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: tc.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if tc.CACert != "" {
		pem, err := os.ReadFile(tc.CACert)
		if err != nil {
			return nil, fmt.Errorf("read ca_cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", tc.CACert)
		}
		cfg.RootCAs = pool
	}
	if tc.ClientCert != "" || tc.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tc.ClientCert, tc.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
