package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

// Topic suffixes below the configured prefix
const (
	TopicDecision  = "decision"
	TopicAlgorithm = "algorithm"
	TopicStatus    = "status"
	TopicHealth    = "health"
)

// Client publishes decisions and daemon status to an MQTT broker
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      uci.MQTTConfig
	connected   atomic.Bool
	mu          sync.Mutex
	lastPublish time.Time

	publishRateLimiter *RateLimiter

	// replaced in tests
	newClient func(*MQTT.ClientOptions) MQTT.Client
}

// NewClient creates a new MQTT client; Connect must be called before
// anything is published
func NewClient(config uci.MQTTConfig, logger *logx.Logger) *Client {
	return &Client{
		logger: logger,
		config: config,
		publishRateLimiter: &RateLimiter{
			maxMessages: 10,
			windowSize:  1 * time.Second,
		},
		newClient: MQTT.NewClient,
	}
}

// Connect establishes connection to the MQTT broker. A disabled client
// does nothing.
func (c *Client) Connect(ctx context.Context) error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetWill(c.topic(TopicHealth), `{"online":false}`, byte(c.config.QoS), true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = c.newClient(opts)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect publishes the offline health message and disconnects
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected.Load() {
		if err := c.publishJSON(c.topic(TopicHealth), map[string]interface{}{"online": false}, true); err != nil {
			c.logger.Warn("Failed to publish offline status", "error", err)
		}
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")
	go func() {
		if err := c.publishJSON(c.topic(TopicHealth), map[string]interface{}{"online": true}, true); err != nil {
			c.logger.Warn("Failed to publish online status", "error", err)
		}
	}()
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

// Record implements decision.Recorder. Every decision goes to the decision
// topic; a switch also updates the retained algorithm topic.
func (c *Client) Record(ctx context.Context, d *pkg.Decision) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	if !c.publishRateLimiter.Allow() {
		c.logger.Debug("Rate limit exceeded, dropping decision", "decision_id", d.ID)
		return nil
	}

	if err := c.publishJSON(c.topic(TopicDecision), DecisionPayload(d), c.config.Retain); err != nil {
		return err
	}
	if d.Outcome == pkg.OutcomeSwitched {
		payload := map[string]interface{}{
			"algorithm": string(d.To),
			"previous":  string(d.From),
			"since":     d.Timestamp.UTC().Format(time.RFC3339),
		}
		return c.publishJSON(c.topic(TopicAlgorithm), payload, true)
	}
	return nil
}

// PublishStatus publishes daemon status to MQTT
func (c *Client) PublishStatus(status interface{}) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	payload := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    status,
	}
	return c.publishJSON(c.topic(TopicStatus), payload, c.config.Retain)
}

// DecisionPayload builds the JSON object published for a decision
func DecisionPayload(d *pkg.Decision) map[string]interface{} {
	p := map[string]interface{}{
		"id":          d.ID,
		"timestamp":   d.Timestamp.UTC().Format(time.RFC3339Nano),
		"outcome":     string(d.Outcome),
		"reason":      d.Reason,
		"duration_ms": d.Duration.Milliseconds(),
	}
	optional := map[string]string{
		"source":      string(d.Source),
		"candidate":   string(d.Candidate),
		"from":        string(d.From),
		"to":          string(d.To),
		"suppression": string(d.Suppression),
		"error":       d.Error,
		"state_error": d.StateError,
	}
	for k, v := range optional {
		if v != "" {
			p[k] = v
		}
	}
	if s := d.Snapshot; s != nil {
		m := map[string]interface{}{"retransmits": s.Retransmits}
		if s.RTTMS != nil {
			m["rtt_ms"] = *s.RTTMS
		}
		if s.ThroughputMbps != nil {
			m["throughput_mbps"] = *s.ThroughputMbps
		}
		if s.LossPercent != nil {
			m["loss_percent"] = *s.LossPercent
		}
		if s.BufferbloatMS != nil {
			m["bufferbloat_ms"] = *s.BufferbloatMS
		}
		p["metrics"] = m
	}
	return p
}

func (c *Client) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, suffix)
}

// publishJSON publishes JSON payload to MQTT topic
func (c *Client) publishJSON(topic string, payload interface{}, retain bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}

// RateLimiter implements rate limiting for network operations
type RateLimiter struct {
	mu           sync.Mutex
	lastCheck    time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
}

// Allow checks if a rate limit allows publishing
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	// Reset counter if window has passed
	if now.Sub(rl.lastCheck) >= rl.windowSize {
		rl.messageCount = 0
		rl.lastCheck = now
	}

	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}
