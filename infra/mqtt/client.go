package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	coremqtt "github.com/kilianp07/serverqueue/core/mqtt"
	"github.com/kilianp07/serverqueue/infra/logger"
)

// DefaultOrderPrefix is the root of order topics: <prefix>/<destination>/<kind>.
const DefaultOrderPrefix = "serverqueue/orders"

// DefaultAckTopic is where backends answer orders.
const DefaultAckTopic = "serverqueue/acks"

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker       string          `json:"broker" yaml:"broker"`
	ClientID     string          `json:"client_id" yaml:"client_id"`
	Username     string          `json:"username" yaml:"username"`
	Password     string          `json:"password" yaml:"password"`
	OrderPrefix  string          `json:"order_prefix" yaml:"order_prefix"`
	AckTopic     string          `json:"ack_topic" yaml:"ack_topic"`
	AckTimeoutMS int             `json:"ack_timeout_ms" yaml:"ack_timeout_ms"`
	EvictPolicy  string          `json:"evict_policy" yaml:"evict_policy"`
	UseTLS       bool            `json:"use_tls" yaml:"use_tls"`
	ClientCert   string          `json:"client_cert" yaml:"client_cert"`
	ClientKey    string          `json:"client_key" yaml:"client_key"`
	CABundle     string          `json:"ca_bundle" yaml:"ca_bundle"`
	AuthMethod   string          `json:"auth_method" yaml:"auth_method"`
	QoS          map[string]byte `json:"qos" yaml:"qos"`
	LWTTopic     string          `json:"lwt_topic" yaml:"lwt_topic"`
	LWTPayload   string          `json:"lwt_payload" yaml:"lwt_payload"`
	LWTQoS       byte            `json:"lwt_qos" yaml:"lwt_qos"`
	LWTRetain    bool            `json:"lwt_retain" yaml:"lwt_retain"`
	MaxRetries   int             `json:"max_retries" yaml:"max_retries"`
	BackoffMS    int             `json:"backoff_ms" yaml:"backoff_ms"`
	TLSConfig    *tls.Config     `json:"-" yaml:"-"`
}

// SetDefaults fills unset topics and timings.
func (c *Config) SetDefaults() {
	if c.OrderPrefix == "" {
		c.OrderPrefix = DefaultOrderPrefix
	}
	if c.AckTopic == "" {
		c.AckTopic = DefaultAckTopic
	}
	if c.AckTimeoutMS <= 0 {
		c.AckTimeoutMS = 5000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.EvictPolicy == "" {
		c.EvictPolicy = "lowest_priority"
	}
}

// Validate checks the fields needed to reach a broker.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}
	switch c.AuthMethod {
	case "", "username_password", "tls", "both":
	default:
		return fmt.Errorf("mqtt: unknown auth_method %q", c.AuthMethod)
	}
	return nil
}

// AckTimeout returns the ack wait bound as a duration.
func (c Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient implements core/mqtt.Client using Eclipse Paho.
type PahoClient struct {
	cli         pahoClient
	orderPrefix string
	ackTopic    string
	ackTimeout  time.Duration
	qos         map[string]byte

	mu         sync.Mutex
	ackChans   map[string]chan coremqtt.Ack
	logger     logger.Logger
	maxRetries int
	backoff    time.Duration
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the MQTT broker and subscribes to the ack topic.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_client")
	pc := &PahoClient{
		orderPrefix: strings.TrimSuffix(cfg.OrderPrefix, "/"),
		ackTopic:    cfg.AckTopic,
		ackTimeout:  cfg.AckTimeout(),
		ackChans:    make(map[string]chan coremqtt.Ack),
		logger:      log,
		qos:         cfg.QoS,
		maxRetries:  cfg.MaxRetries,
		backoff:     time.Duration(cfg.BackoffMS) * time.Millisecond,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(pc.ackTopic, pc.qosFor("ack"), pc.onAck); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

func (p *PahoClient) qosFor(kind string) byte {
	if q, ok := p.qos[kind]; ok {
		return q
	}
	return 0
}

// OrderTopic returns the topic an order for dest is published on.
func (p *PahoClient) OrderTopic(dest string, kind coremqtt.OrderKind) string {
	return fmt.Sprintf("%s/%s/%s", p.orderPrefix, dest, kind)
}

func (p *PahoClient) onAck(_ paho.Client, msg paho.Message) {
	var ack coremqtt.Ack
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		p.logger.Errorf("failed to decode ack: %v", err)
		return
	}
	p.mu.Lock()
	ch, ok := p.ackChans[ack.CommandID]
	p.mu.Unlock()
	if !ok {
		p.logger.Debugf("ignoring ack for unknown command %s", ack.CommandID)
		return
	}
	select {
	case ch <- ack:
		p.logger.Debugf("received ack %s ok=%t", ack.CommandID, ack.OK)
	default:
	}
}

// SendOrder publishes the order on its destination topic and returns the
// command identifier used for acknowledgment tracking. Publishing is retried
// with exponential backoff until ctx is done.
func (p *PahoClient) SendOrder(ctx context.Context, o coremqtt.Order) (string, error) {
	if o.CommandID == "" {
		o.CommandID = uuid.NewString()
	}
	if o.Timestamp == 0 {
		o.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return "", err
	}

	// Register before publishing so a fast ack cannot be lost.
	p.mu.Lock()
	p.ackChans[o.CommandID] = make(chan coremqtt.Ack, 1)
	p.mu.Unlock()

	topic := p.OrderTopic(o.Destination, o.Kind)
	qos := p.qosFor("command")
	var publishErr error
	for attempt := 0; ; attempt++ {
		token := p.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			p.logger.Infof("sent %s order %s to %s", o.Kind, o.CommandID, topic)
			break
		}
		p.logger.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		if attempt >= p.maxRetries {
			break
		}
		if err := sleep(ctx, p.backoff*time.Duration(1<<attempt)); err != nil {
			publishErr = err
			break
		}
	}
	if publishErr != nil {
		p.forget(o.CommandID)
		return "", fmt.Errorf("publish %s order: %w", o.Kind, publishErr)
	}
	return o.CommandID, nil
}

// WaitForAck blocks until the ack for commandID arrives, ctx is done or the
// configured ack timeout expires.
func (p *PahoClient) WaitForAck(ctx context.Context, commandID string) (coremqtt.Ack, error) {
	p.mu.Lock()
	ch := p.ackChans[commandID]
	p.mu.Unlock()
	if ch == nil {
		return coremqtt.Ack{}, fmt.Errorf("%w: %s", coremqtt.ErrUnknownCommand, commandID)
	}
	defer p.forget(commandID)

	timer := time.NewTimer(p.ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		return ack, nil
	case <-timer.C:
		return coremqtt.Ack{}, fmt.Errorf("%w: %s", coremqtt.ErrAckTimeout, commandID)
	case <-ctx.Done():
		return coremqtt.Ack{}, ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *PahoClient) forget(commandID string) {
	p.mu.Lock()
	delete(p.ackChans, commandID)
	p.mu.Unlock()
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
