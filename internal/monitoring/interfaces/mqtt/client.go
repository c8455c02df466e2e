package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"

	"pivot-monitor/internal/monitoring/application"
	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/observability/metrics"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
)

// PahoClient is the subset of the paho client used here.
type PahoClient interface {
	Connect(ctx context.Context, packet *paho.Connect) (*paho.Connack, error)
	Disconnect(packet *paho.Disconnect) error
	Subscribe(ctx context.Context, packet *paho.Subscribe) (*paho.Suback, error)
	Publish(ctx context.Context, packet *paho.Publish) (*paho.PublishResponse, error)
	AddOnPublishReceived(f func(paho.PublishReceived) (bool, error)) func()
}

// Ingester receives bus messages.
type Ingester interface {
	Ingest(ctx context.Context, topic, payload string, ts float64) application.IngestResult
}

// Config describes the broker connection.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	QoS       byte
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		if min > 0 {
			c.minBackoff = min
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

// WithClock overrides the arrival timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client subscribes to the monitored topics, feeds arrivals to the ingester
// and publishes probe requests.
type Client struct {
	cfg      Config
	ingester Ingester
	logger   *log.Logger
	now      func() time.Time

	dial    func(ctx context.Context) (net.Conn, error)
	newPaho func(cfg *paho.ClientConfig) PahoClient

	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.RWMutex
	pahoCli   PahoClient
	connected atomic.Bool
	errC      chan error
}

// NewClient constructs a Client.
func NewClient(cfg Config, ingester Ingester, opts ...Option) (*Client, error) {
	if ingester == nil {
		return nil, errors.New("mqtt: nil ingester")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("mqtt: empty client id")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	dial, err := dialerFor(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:        cfg,
		ingester:   ingester,
		logger:     log.Default(),
		now:        time.Now,
		dial:       dial,
		newPaho:    func(conf *paho.ClientConfig) PahoClient { return paho.NewClient(*conf) },
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		errC:       make(chan error, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Connected reports whether the session is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects and keeps the session alive until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		err := c.connect(ctx)
		if err == nil {
			backoff = c.minBackoff
			c.logger.Printf("mqtt: connected broker=%s client_id=%s", c.cfg.BrokerURL, c.cfg.ClientID)
			select {
			case <-ctx.Done():
				c.disconnect()
				return nil
			case err = <-c.errC:
				c.connected.Store(false)
				metrics.SetBusConnected(false)
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("server closed connection: %w", err)
				}
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Printf("mqtt: connection lost err=%v retry_in=%s", err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// Publish sends payload on topic. Monitored topics are refused.
func (c *Client) Publish(ctx context.Context, topic, payload string) bool {
	if monitoring.IsMonitoredTopic(topic) {
		c.logger.Printf("mqtt: refusing publish on monitored topic=%s", topic)
		return false
	}
	if !c.connected.Load() {
		return false
	}
	c.mu.RLock()
	cli := c.pahoCli
	c.mu.RUnlock()
	if cli == nil {
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	pub := &paho.Publish{
		Topic:   topic,
		QoS:     c.cfg.QoS,
		Payload: []byte(payload),
	}
	res, err := cli.Publish(pubCtx, pub)
	if err != nil {
		c.logger.Printf("mqtt: publish failed topic=%s err=%v", topic, err)
		return false
	}
	if res != nil && res.ReasonCode >= 0x80 {
		c.logger.Printf("mqtt: publish rejected topic=%s reason=%d", topic, res.ReasonCode)
		return false
	}
	return true
}

func (c *Client) connect(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := c.dial(connCtx)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	cli := c.newPaho(&paho.ClientConfig{
		ClientID:           c.cfg.ClientID,
		Conn:               conn,
		OnClientError:      c.onClientError,
		OnServerDisconnect: c.onServerDisconnect,
	})
	cli.AddOnPublishReceived(func(pr paho.PublishReceived) (bool, error) {
		c.handlePublish(ctx, pr.Packet)
		return true, nil
	})

	connack, err := cli.Connect(connCtx, c.connectPacket())
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("connect: %w", err)
	}
	if connack != nil && connack.ReasonCode >= 0x80 {
		_ = conn.Close()
		return fmt.Errorf("connect refused: reason=%d", connack.ReasonCode)
	}

	subs := make([]paho.SubscribeOptions, 0, len(monitoring.MonitoredTopics()))
	for _, topic := range monitoring.MonitoredTopics() {
		subs = append(subs, paho.SubscribeOptions{Topic: string(topic), QoS: c.cfg.QoS})
	}
	if _, err := cli.Subscribe(connCtx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		_ = cli.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return fmt.Errorf("subscribe: %w", err)
	}

	c.drainErrors()
	c.mu.Lock()
	c.pahoCli = cli
	c.mu.Unlock()
	c.connected.Store(true)
	metrics.SetBusConnected(true)
	return nil
}

func (c *Client) connectPacket() *paho.Connect {
	keepAlive := c.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &paho.Connect{
		ClientID:     c.cfg.ClientID,
		CleanStart:   true,
		KeepAlive:    uint16(keepAlive.Seconds()),
		Username:     c.cfg.Username,
		UsernameFlag: c.cfg.Username != "",
		Password:     []byte(c.cfg.Password),
		PasswordFlag: c.cfg.Password != "",
	}
}

func (c *Client) handlePublish(ctx context.Context, pkt *paho.Publish) {
	if pkt == nil {
		return
	}
	now := c.now()
	ts := float64(now.UnixNano()) / 1e9
	res := c.ingester.Ingest(ctx, pkt.Topic, string(pkt.Payload), ts)
	if !res.Accepted && !res.Duplicate && res.Reason != application.ReasonIdle {
		c.logger.Printf("mqtt: message rejected topic=%s reason=%q", pkt.Topic, res.Reason)
	}
}

func (c *Client) disconnect() {
	c.connected.Store(false)
	metrics.SetBusConnected(false)
	c.mu.Lock()
	cli := c.pahoCli
	c.pahoCli = nil
	c.mu.Unlock()
	if cli == nil {
		return
	}
	if err := cli.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		c.logger.Printf("mqtt: disconnect err=%v", err)
	}
}

func (c *Client) onClientError(err error) {
	c.signal(err)
}

func (c *Client) onServerDisconnect(d *paho.Disconnect) {
	reason := byte(0)
	if d != nil {
		reason = d.ReasonCode
	}
	c.signal(fmt.Errorf("server disconnect: reason=%d", reason))
}

func (c *Client) signal(err error) {
	select {
	case c.errC <- err:
	default:
	}
}

func (c *Client) drainErrors() {
	for {
		select {
		case <-c.errC:
		default:
			return
		}
	}
}

func dialerFor(broker string) (func(ctx context.Context) (net.Conn, error), error) {
	if broker == "" {
		return nil, errors.New("mqtt: empty broker url")
	}
	u, err := url.Parse(broker)
	if err != nil {
		return nil, fmt.Errorf("mqtt: parse broker url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("mqtt: broker url without host: %s", broker)
	}
	switch u.Scheme {
	case "tcp", "mqtt":
		addr := net.JoinHostPort(host, portOr(u, "1883"))
		return func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return packets.NewThreadSafeConn(conn), nil
		}, nil
	case "tls", "ssl", "mqtts":
		addr := net.JoinHostPort(host, portOr(u, "8883"))
		config := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		return func(ctx context.Context) (net.Conn, error) {
			d := tls.Dialer{Config: config}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return packets.NewThreadSafeConn(conn), nil
		}, nil
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q", u.Scheme)
	}
}

func portOr(u *url.URL, fallback string) string {
	if port := u.Port(); port != "" {
		return port
	}
	return fallback
}
