// Package bus wraps the message-bus transport the fan-out archiver and
// storage nodes exchange archive/retrieve traffic over. The wire shape
// follows spec section 6 and tools/greenlet_dealer_client.py in
// original_source/: each request is a (control map, body bytes) pair,
// a reply is correlated back to its request by a "message-id" key, and
// a missing message-id on a reply is a protocol error that gets logged
// and dropped rather than crashing the caller.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

var (
	ErrUnavailable = errors.New("bus: send failed")
	ErrTimeout     = errors.New("bus: timed out waiting for reply")
	ErrProtocol    = errors.New("bus: malformed reply")
)

// Message is the control/body pair exchanged over the bus. A
// zero-length Body normalizes to nil, matching the source's "don't
// send a zero size body" rule.
type Message struct {
	Control map[string]any `json:"control"`
	Body    []byte         `json:"body,omitempty"`
}

func NewMessage(control map[string]any, body []byte) Message {
	if len(body) == 0 {
		body = nil
	}
	if control == nil {
		control = make(map[string]any)
	}
	return Message{Control: control, Body: body}
}

func (m Message) MessageID() string {
	v, _ := m.Control["message-id"].(string)
	return v
}

// Client is a pooled connection to the bus, analogous in shape to
// internal/nntp/pool.go's Acquire/Release contract but backed by a
// single long-lived NATS connection (NATS multiplexes requests over
// one connection internally, unlike the NNTP control protocol).
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
}

func Dial(url string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	nc, err := nats.Connect(url, nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Client{nc: nc, timeout: timeout}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}

// Send dispatches msg to subject and waits for a correlated reply. If
// msg has no "message-id" set, one is minted. ctx's deadline (if any)
// bounds the wait; otherwise the client's configured timeout applies.
func (c *Client) Send(ctx context.Context, subject string, msg Message) (Message, error) {
	if msg.MessageID() == "" {
		msg.Control["message-id"] = uuid.NewString()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("bus: encode request: %w", err)
	}

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := c.nc.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return Message{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Message{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var replyMsg Message
	if err := json.Unmarshal(reply.Data, &replyMsg); err != nil {
		return Message{}, fmt.Errorf("%w: decode reply: %v", ErrProtocol, err)
	}
	if replyMsg.MessageID() == "" {
		log.Printf("bus: reply on %s has no message-id, dropping", subject)
		return Message{}, fmt.Errorf("%w: reply missing message-id", ErrProtocol)
	}
	if replyMsg.MessageID() != msg.MessageID() {
		log.Printf("bus: reply message-id %s does not match request %s, dropping", replyMsg.MessageID(), msg.MessageID())
		return Message{}, fmt.Errorf("%w: reply message-id mismatch", ErrProtocol)
	}
	return replyMsg, nil
}

// Handler processes one incoming request message and returns the
// reply to publish back. The message-id is copied onto the reply's
// control map by Listen if the handler didn't set one itself.
type Handler func(ctx context.Context, req Message) (Message, error)

// Listen subscribes to subject and invokes fn for each request,
// publishing its reply (or a best-effort error reply) back to the
// sender. Runs until ctx is canceled.
func (c *Client) Listen(ctx context.Context, subject string, fn Handler) error {
	sub, err := c.nc.Subscribe(subject, func(natsMsg *nats.Msg) {
		var req Message
		if err := json.Unmarshal(natsMsg.Data, &req); err != nil {
			log.Printf("bus: malformed request on %s: %v", subject, err)
			return
		}
		reply, err := fn(context.Background(), req)
		if err != nil {
			log.Printf("bus: handler error on %s: %v", subject, err)
			reply = NewMessage(map[string]any{"message-id": req.MessageID(), "error": err.Error()}, nil)
		}
		if reply.MessageID() == "" {
			reply.Control["message-id"] = req.MessageID()
		}
		out, err := json.Marshal(reply)
		if err != nil {
			log.Printf("bus: encode reply on %s: %v", subject, err)
			return
		}
		if natsMsg.Reply != "" {
			_ = c.nc.Publish(natsMsg.Reply, out)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}
