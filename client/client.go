// Package client is the public entry point of the signaling SDK. It wires
// the session state machine, the event router and the subscription registry
// into one explicitly constructed value; nothing in the module is a
// process-wide singleton, so tests build independent clients.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Signal/config"
	sigerr "github.com/dkeye/Signal/errors"
	"github.com/dkeye/Signal/event"
	"github.com/dkeye/Signal/jsonrpc"
	"github.com/dkeye/Signal/rest"
	"github.com/dkeye/Signal/retry"
	"github.com/dkeye/Signal/session"
	"github.com/dkeye/Signal/transport"
	"github.com/rs/zerolog/log"
)

// Client is one signaling connection plus its event plane.
type Client struct {
	sess      *session.Session
	instances *event.Map
	router    *event.Router
	registry  *event.Registry
	rest      *rest.Client
}

// Option tweaks construction, mainly for tests.
type Option func(*options)

type options struct {
	dialer transport.Dialer
	idGen  session.IDGenerator
}

// WithDialer replaces the WebSocket dialer, used by tests to inject an
// in-memory transport.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithIDGenerator fixes the correlation id source.
func WithIDGenerator(gen session.IDGenerator) Option {
	return func(o *options) { o.idGen = gen }
}

// New builds an unconnected client from configuration.
func New(cfg *config.Config, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = transport.WSDialer(transport.WSOptions{
			URL:       cfg.Host,
			ReadLimit: cfg.ReadLimit,
		})
	}

	auth := jsonrpc.Authentication{Project: cfg.Project, Token: cfg.Token}
	sess := session.New(session.Options{
		Dialer:         o.dialer,
		Auth:           auth,
		Agent:          cfg.Agent,
		RequestTimeout: cfg.RequestTimeout,
		KeepAlive:      cfg.KeepAlive,
		PingGrace:      cfg.PingGrace,
		Reconnect: retry.Config{
			MaxAttempts:  cfg.ReconnectAttempts,
			InitialDelay: cfg.ReconnectMinDelay,
			MaxDelay:     cfg.ReconnectMaxDelay,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		IDGen: o.idGen,
	})

	instances := event.NewMap()
	router := event.NewRouter(instances)

	c := &Client{
		sess:      sess,
		instances: instances,
		router:    router,
	}
	c.registry = event.NewRegistry(c.wireSubscribe, c.wireUnsubscribe)

	sess.SetNotificationHandler(router.Route)
	sess.SetReplayHook(c.registry.Replay)
	// Covers self-initiated teardown too: reconnect exhaustion must settle
	// attached waiters just like an explicit Disconnect.
	sess.SetTeardownHook(router.Teardown)

	if cfg.RestURL != "" {
		c.rest = rest.New(rest.Options{
			BaseURL: cfg.RestURL,
			Project: cfg.Project,
			Token:   cfg.Token,
			Retry: retry.Config{
				MaxAttempts:  cfg.RestRetryMax,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
				AddJitter:    true,
			},
		})
	}
	return c
}

// Connect dials and authenticates. Blocks until ready or failed.
func (c *Client) Connect(ctx context.Context) error {
	return c.sess.Connect(ctx)
}

// Disconnect tears the client down for good: every pending request and
// every attached waiter settles with a connection-closed error through the
// session's teardown hook.
func (c *Client) Disconnect() {
	c.sess.Disconnect()
}

// Status is the session lifecycle stream.
func (c *Client) Status() <-chan session.StatusEvent { return c.sess.Status() }

// State reports the session lifecycle position.
func (c *Client) State() session.State { return c.sess.State() }

// Identity reports the handshake session context.
func (c *Client) Identity() session.ConnectResult { return c.sess.Identity() }

// Execute sends one entity-scoped command over the live session.
func (c *Client) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.sess.Execute(ctx, method, params)
}

// Reauthenticate refreshes credentials without dropping the connection,
// typically in response to an expiring status signal.
func (c *Client) Reauthenticate(ctx context.Context, project, jwt string) error {
	return c.sess.Reauthenticate(ctx, project, jwt)
}

// Subscribe records the entity's interest in event names on a channel and
// issues the minimal wire-level subscribe.
func (c *Client) Subscribe(ctx context.Context, entityID, channel string, names []string) error {
	return c.registry.Subscribe(ctx, entityID, channel, names)
}

// Unsubscribe drops the entity's interest. Waiters depending solely on that
// subscription are cancelled rather than left hanging.
func (c *Client) Unsubscribe(ctx context.Context, entityID string, names ...string) error {
	err := c.registry.Unsubscribe(ctx, entityID, names)
	if len(c.registry.NamesFor(entityID)) == 0 {
		c.router.CancelEntity(entityID, sigerr.ErrConnectionClosed)
	}
	return err
}

// SessionEvents is the emitter for events that target no entity.
func (c *Client) SessionEvents() *event.Emitter { return c.router.SessionEmitter() }

// Instances exposes the live entity map.
func (c *Client) Instances() *event.Map { return c.instances }

// REST returns the non-realtime API client, nil when unconfigured.
func (c *Client) REST() *rest.Client { return c.rest }

type subscribeParams struct {
	Channel string   `json:"channel"`
	Events  []string `json:"events"`
}

func (c *Client) wireSubscribe(ctx context.Context, channel string, names []string) error {
	// Request, not Execute: subscription replay runs after the re-handshake
	// but before the session signals ready.
	_, err := c.sess.Request(ctx, jsonrpc.MethodSubscribe, subscribeParams{Channel: channel, Events: names})
	return err
}

func (c *Client) wireUnsubscribe(ctx context.Context, channel string, names []string) error {
	_, err := c.sess.Request(ctx, jsonrpc.MethodUnsubscribe, subscribeParams{Channel: channel, Events: names})
	if err != nil {
		// Dropping local interest still succeeds; the server-side
		// subscription dies with the session at the latest.
		log.Warn().Err(err).Str("module", "client").Str("channel", channel).Msg("wire unsubscribe failed")
	}
	return err
}
