// Package brokertest provides an in-memory stand-in for the paho client.
package brokertest

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is a completed mqtt.Token.
type Token struct {
	Err     error
	Pending bool
}

func (t *Token) Wait() bool                       { return !t.Pending }
func (t *Token) WaitTimeout(_ time.Duration) bool { return !t.Pending }
func (t *Token) Error() error                     { return t.Err }

func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.Pending {
		close(ch)
	}
	return ch
}

// Message is a minimal mqtt.Message.
type Message struct {
	TopicName string
	Body      []byte
	QoSLevel  byte
	IsRetain  bool
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return m.QoSLevel }
func (m *Message) Retained() bool    { return m.IsRetain }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}

// Published records one Publish call.
type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Client implements the parts of mqtt.Client the bridge uses. Unimplemented
// methods panic through the nil embedded interface.
type Client struct {
	mqtt.Client

	mu           sync.Mutex
	Opts         *mqtt.ClientOptions
	connected    bool
	subs         map[string]mqtt.MessageHandler
	subQoS       map[string]byte
	SubscribeErr map[string]error
	ConnectErr   error
	ConnectHangs bool
	published    []Published
	unsubscribed []string
	disconnects  int
}

func NewClient() *Client {
	return &Client{
		subs:         make(map[string]mqtt.MessageHandler),
		subQoS:       make(map[string]byte),
		SubscribeErr: make(map[string]error),
	}
}

// Factory returns a constructor that hands out c and records the options.
func (c *Client) Factory() func(*mqtt.ClientOptions) mqtt.Client {
	return func(opts *mqtt.ClientOptions) mqtt.Client {
		c.mu.Lock()
		c.Opts = opts
		c.mu.Unlock()
		return c
	}
}

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	if c.ConnectHangs {
		c.mu.Unlock()
		return &Token{Pending: true}
	}
	if c.ConnectErr != nil {
		c.mu.Unlock()
		return &Token{Err: c.ConnectErr}
	}
	c.connected = true
	onConnect := c.Opts.OnConnect
	c.mu.Unlock()

	if onConnect != nil {
		onConnect(c)
	}
	return &Token{}
}

// Reconnect simulates a dropped connection followed by a successful
// reconnect; subscriptions are cleared as with a clean session.
func (c *Client) Reconnect(cause error) {
	c.mu.Lock()
	c.connected = false
	c.subs = make(map[string]mqtt.MessageHandler)
	lost, onConnect := c.Opts.OnConnectionLost, c.Opts.OnConnect
	c.mu.Unlock()

	if lost != nil {
		lost(c, cause)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if onConnect != nil {
		onConnect(c)
	}
}

// Drop simulates a lost connection without reconnecting.
func (c *Client) Drop(cause error) {
	c.mu.Lock()
	c.connected = false
	lost := c.Opts.OnConnectionLost
	c.mu.Unlock()
	if lost != nil {
		lost(c, cause)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Disconnect(_ uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.SubscribeErr[topic]; err != nil {
		return &Token{Err: err}
	}
	c.subs[topic] = callback
	c.subQoS[topic] = qos
	return &Token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
		c.unsubscribed = append(c.unsubscribed, t)
	}
	return &Token{}
}

func (c *Client) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		return &Token{Err: errors.New("unsupported payload type")}
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Payload: body})
	return &Token{}
}

// Deliver invokes the handler subscribed to topic. It reports false when
// nothing is subscribed.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	handler, ok := c.subs[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	handler(c, &Message{TopicName: topic, Body: payload, QoSLevel: 1})
	return true
}

func (c *Client) Subscribed() map[string]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]byte, len(c.subs))
	for t := range c.subs {
		out[t] = c.subQoS[t]
	}
	return out
}

func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

func (c *Client) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribed...)
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}
