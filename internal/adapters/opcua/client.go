package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "fieldlink collector"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	return nil
}

// Client adapts gopcua to ports.FieldClient. Reconnects are driven by the
// caller, so every Connect builds a fresh gopcua client with auto reconnect
// disabled.
type Client struct {
	cfg Config

	mu     sync.Mutex
	client *opcua.Client
	cb     ports.SessionCallbacks
	closed bool // OnClosed already reported for the current connection
	subs   map[*subscription]struct{}
}

func NewClient(cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, subs: make(map[*subscription]struct{})}, nil
}

func (c *Client) SetSessionCallbacks(cb ports.SessionCallbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context) error {
	client, err := opcua.NewClient(c.cfg.Endpoint, c.buildClientOptions()...)
	if err != nil {
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("opcua connect %s: %w", c.cfg.Endpoint, err)
	}

	c.mu.Lock()
	prev := c.client
	c.client = client
	c.closed = false
	onActivated := c.cb.OnActivated
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close(ctx)
	}
	// gopcua activates the session inside Connect; report it the way a
	// server-driven activation would arrive.
	if onActivated != nil {
		go onActivated()
	}
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	subs := c.subs
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	if client == nil {
		return nil
	}
	if err := client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("opcua close: %w", err)
	}
	return nil
}

// RunIterate waits up to timeout and then checks the session. gopcua pumps its
// own events, so the wait only bounds how often the state is sampled.
func (c *Client) RunIterate(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
	}

	c.mu.Lock()
	client := c.client
	if client == nil {
		c.mu.Unlock()
		return fmt.Errorf("opcua: no client: %w", domain.ErrConnectionLost)
	}
	state := client.State()
	if state == opcua.Connected {
		c.mu.Unlock()
		return nil
	}
	var onClosed func()
	if !c.closed {
		c.closed = true
		onClosed = c.cb.OnClosed
	}
	c.mu.Unlock()

	if onClosed != nil {
		onClosed()
	}
	return fmt.Errorf("opcua session %v: %w", state, domain.ErrConnectionLost)
}

func (c *Client) Subscribe(ctx context.Context, req ports.SubscriptionRequest, onChange func(ports.DataChange)) (ports.FieldSubscription, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("opcua subscribe: %w", domain.ErrConnectionLost)
	}

	nodeID, err := ResolveNodeID(req.Namespace, req.Point.NodeID)
	if err != nil {
		return nil, err
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: req.PublishInterval,
	}, notifyCh)
	if err != nil {
		return nil, fmt.Errorf("opcua subscribe %q: %w", req.Point.NodeID, err)
	}

	const handle = 1
	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, monitorRequest(nodeID, handle, req.Point))
	if err == nil {
		err = monitorStatus(res)
	}
	if err != nil {
		_ = sub.Cancel(ctx)
		return nil, fmt.Errorf("monitor node %q: %w", req.Point.NodeID, err)
	}

	s := &subscription{owner: c, sub: sub, done: make(chan struct{}), exited: make(chan struct{})}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.dispatch(notifyCh, handle, onChange)
	return s, nil
}

func (c *Client) forget(s *subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

func (c *Client) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(c.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(c.cfg.SecurityPolicy)),
		opcua.ApplicationName(c.cfg.ApplicationName),
		opcua.SessionTimeout(c.cfg.SessionTimeout),
		opcua.RequestTimeout(c.cfg.RequestTimeout),
		opcua.AutoReconnect(false),
	}

	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

// ResolveNodeID accepts a full node id ("ns=3;i=1001") or a bare string
// identifier that lives in namespace ns.
func ResolveNodeID(ns uint16, id string) (*ua.NodeID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("empty node id")
	}
	if strings.HasPrefix(id, "ns=") || strings.HasPrefix(id, "i=") ||
		strings.HasPrefix(id, "s=") || strings.HasPrefix(id, "g=") || strings.HasPrefix(id, "b=") {
		nodeID, err := ua.ParseNodeID(id)
		if err != nil {
			return nil, fmt.Errorf("parse node id %q: %w", id, err)
		}
		return nodeID, nil
	}
	return ua.NewStringNodeID(ns, id), nil
}

func monitorRequest(nodeID *ua.NodeID, handle uint32, p domain.MonitoredPoint) *ua.MonitoredItemCreateRequest {
	req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
	if p.SamplingInterval > 0 {
		req.RequestedParameters.SamplingInterval = float64(p.SamplingInterval / time.Millisecond)
	}
	if filter := deadbandFilter(p); filter != nil {
		req.RequestedParameters.Filter = ua.NewExtensionObject(filter)
	}
	return req
}

func deadbandFilter(p domain.MonitoredPoint) *ua.DataChangeFilter {
	switch {
	case p.DeadbandAbsolute != nil:
		return &ua.DataChangeFilter{
			Trigger:       ua.DataChangeTriggerStatusValue,
			DeadbandType:  uint32(ua.DeadbandTypeAbsolute),
			DeadbandValue: *p.DeadbandAbsolute,
		}
	case p.DeadbandRelative != nil:
		return &ua.DataChangeFilter{
			Trigger:       ua.DataChangeTriggerStatusValue,
			DeadbandType:  uint32(ua.DeadbandTypePercent),
			DeadbandValue: *p.DeadbandRelative,
		}
	default:
		return nil
	}
}

func monitorStatus(res *ua.CreateMonitoredItemsResponse) error {
	if res == nil || len(res.Results) == 0 {
		return errors.New("empty result")
	}
	if code := res.Results[0].StatusCode; code != ua.StatusOK {
		return fmt.Errorf("status %s", code)
	}
	return nil
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.FieldClient = (*Client)(nil)
