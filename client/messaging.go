package client

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Signal/event"
	"github.com/dkeye/Signal/jsonrpc"
)

// Messaging sends and tracks outbound messages.
type Messaging struct {
	c *Client
}

func (c *Client) Messaging() *Messaging { return &Messaging{c: c} }

// SendParams describes one outbound message.
type SendParams struct {
	Context string   `json:"context"`
	From    string   `json:"from_number"`
	To      string   `json:"to_number"`
	Body    string   `json:"body,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Send submits the message and returns its server-assigned id. Delivery
// progress arrives as message state events on the messaging channel.
func (m *Messaging) Send(ctx context.Context, params SendParams) (string, error) {
	raw, err := m.c.Execute(ctx, jsonrpc.MethodExecute, map[string]any{
		"method": "messaging.send",
		"params": params,
	})
	if err != nil {
		return "", err
	}
	var res struct {
		MessageID string `json:"message_id"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", err
		}
	}
	if res.MessageID != "" {
		m.c.instances.GetOrCreate(res.MessageID, ChannelMessaging, "message")
	}
	return res.MessageID, nil
}

// Message returns the live instance for a message id.
func (m *Messaging) Message(id string) (*event.Instance, bool) {
	return m.c.instances.Get(id)
}

// Subscribe asks the server for messaging events in a context.
func (m *Messaging) Subscribe(ctx context.Context, msgContext string, names ...string) error {
	return m.c.Subscribe(ctx, msgContext, ChannelMessaging, names)
}

// Tasking delivers asynchronous task payloads into a context.
type Tasking struct {
	c *Client
}

func (c *Client) Tasking() *Tasking { return &Tasking{c: c} }

// Deliver pushes one task message. Receivers pick it up as a task event on
// the tasking channel.
func (t *Tasking) Deliver(ctx context.Context, taskContext string, message map[string]any) error {
	_, err := t.c.Execute(ctx, jsonrpc.MethodExecute, map[string]any{
		"method": "tasking.deliver",
		"params": map[string]any{
			"context": taskContext,
			"message": message,
		},
	})
	return err
}

// Subscribe asks the server for task events in a context.
func (t *Tasking) Subscribe(ctx context.Context, taskContext string, names ...string) error {
	return t.c.Subscribe(ctx, taskContext, ChannelTasking, names)
}
