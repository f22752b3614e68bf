package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/mikey-austin/glassroll/internal/adapters/tlsconfig"
	"github.com/mikey-austin/glassroll/pkg/roll"
)

// Options configures the MQTT client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLS       tlsconfig.Files
	TopicBase string
	Timeout   time.Duration
	// PresenceWait is how long ListPresence collects retained messages.
	PresenceWait time.Duration
}

// Client is an MQTT adapter implementing the Broker port.
type Client struct {
	client       paho.Client
	replyTopic   string
	topicBase    string
	timeout      time.Duration
	presenceWait time.Duration

	mu            sync.Mutex
	replyHandlers map[string]chan roll.ReplyEnvelope
}

// NewClient creates and connects an MQTT client.
func NewClient(opts Options) (*Client, error) {
	if opts.TopicBase == "" {
		opts.TopicBase = roll.BaseTopic
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.PresenceWait == 0 {
		opts.PresenceWait = 250 * time.Millisecond
	}

	c := &Client{
		replyTopic:    roll.TopicReply(opts.TopicBase, opts.ClientID),
		topicBase:     opts.TopicBase,
		timeout:       opts.Timeout,
		presenceWait:  opts.PresenceWait,
		replyHandlers: map[string]chan roll.ReplyEnvelope{},
	}

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetOnConnectHandler(func(client paho.Client) {
		client.Subscribe(c.replyTopic, 1, c.handleReply).Wait()
	})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := tlsconfig.Build(opts.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(clientOpts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.BrokerURL, token.Error())
	}
	if token := c.client.Subscribe(c.replyTopic, 1, c.handleReply); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return c, nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// ReplyTopic returns the topic used for replies.
func (c *Client) ReplyTopic() string {
	return c.replyTopic
}

// PublishCommand publishes a command and waits for its reply.
func (c *Client) PublishCommand(ctx context.Context, nodeID string, cmd roll.CommandEnvelope) (roll.ReplyEnvelope, error) {
	req, err := json.Marshal(cmd)
	if err != nil {
		return roll.ReplyEnvelope{}, fmt.Errorf("marshal command: %w", err)
	}

	replyCh := make(chan roll.ReplyEnvelope, 1)
	c.mu.Lock()
	c.replyHandlers[cmd.ID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replyHandlers, cmd.ID)
		c.mu.Unlock()
	}()

	topic := roll.TopicCommands(c.topicBase, nodeID)
	if token := c.client.Publish(topic, 1, false, req); token.Wait() && token.Error() != nil {
		return roll.ReplyEnvelope{}, token.Error()
	}

	// A caller deadline overrides the client timeout; loads can outlast it.
	wait := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return roll.ReplyEnvelope{}, ctx.Err()
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return roll.ReplyEnvelope{}, errors.New("timeout waiting for reply")
	}
}

// ListPresence collects retained presence messages. Empty retained payloads
// mark nodes that shut down and are skipped.
func (c *Client) ListPresence(ctx context.Context) ([]roll.Presence, error) {
	var mu sync.Mutex
	collect := make(map[string]roll.Presence)

	handler := func(_ paho.Client, msg paho.Message) {
		if len(msg.Payload()) == 0 {
			return
		}
		var presence roll.Presence
		if err := json.Unmarshal(msg.Payload(), &presence); err != nil {
			return
		}
		mu.Lock()
		collect[presence.NodeID] = presence
		mu.Unlock()
	}

	topic := fmt.Sprintf("%s/node/+/presence", c.topicBase)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	defer c.client.Unsubscribe(topic).Wait()

	wait := time.NewTimer(c.presenceWait)
	defer wait.Stop()
	select {
	case <-ctx.Done():
	case <-wait.C:
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]roll.Presence, 0, len(collect))
	for _, presence := range collect {
		out = append(out, presence)
	}
	return out, nil
}

// GetGalleryState returns the retained gallery state of a node.
func (c *Client) GetGalleryState(ctx context.Context, nodeID string) (roll.GalleryState, error) {
	stateCh := make(chan roll.GalleryState, 1)
	handler := func(_ paho.Client, msg paho.Message) {
		var state roll.GalleryState
		if err := json.Unmarshal(msg.Payload(), &state); err != nil {
			return
		}
		select {
		case stateCh <- state:
		default:
		}
	}

	topic := roll.TopicState(c.topicBase, nodeID)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return roll.GalleryState{}, token.Error()
	}
	defer c.client.Unsubscribe(topic).Wait()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return roll.GalleryState{}, ctx.Err()
	case state := <-stateCh:
		return state, nil
	case <-timer.C:
		return roll.GalleryState{}, errors.New("timeout waiting for state")
	}
}

func (c *Client) handleReply(_ paho.Client, msg paho.Message) {
	var reply roll.ReplyEnvelope
	if err := json.Unmarshal(msg.Payload(), &reply); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.replyHandlers[reply.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- reply:
	default:
	}
}
