// Package mqtt wraps the shared broker connection. One Client serves
// every inverter connection; registrations demultiplex inbound
// messages by topic prefix.
package mqtt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Handler receives a message published under a registered prefix. It
// runs synchronously on the broker callback goroutine and must not
// block.
type Handler func(topic string, payload []byte)

// Options configures the broker connection.
type Options struct {
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string
	ClientID  string
}

type registration struct {
	prefix  string
	handler Handler
}

// Client is the process-wide MQTT facade. All topics are relative to
// the base topic.
type Client struct {
	base   string
	client paho.Client

	mu            sync.Mutex
	registrations []registration
}

// New builds the client without connecting.
func New(opts Options) *Client {
	c := &Client{base: opts.BaseTopic}

	po := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port)).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	po.SetOnConnectHandler(c.onConnect)
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warnf("mqtt connection lost: %v", err)
	})
	po.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		c.dispatch(msg.Topic(), msg.Payload())
	})

	c.client = paho.NewClient(po)
	return c
}

// Connect dials the broker and waits for the first connection.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

// Disconnect flushes and drops the broker connection.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// onConnect announces the bridge and subscribes to the base topic
// tree. Subscribing here means a reconnect renews the subscription.
func (c *Client) onConnect(client paho.Client) {
	log.Infof("connected to mqtt broker")
	client.Publish(c.base+"/connected", 0, false, fmt.Sprintf("%d", time.Now().Unix()))
	if token := client.Subscribe(c.base+"/#", 0, nil); token.Wait() && token.Error() != nil {
		log.Errorf("subscribe to %s/#: %v", c.base, token.Error())
	}
}

// Publish sends a value under the base topic, QoS 0.
func (c *Client) Publish(part, value string) {
	topic := c.base + "/" + part
	log.Debugf("publishing %s = %s", topic, value)
	c.client.Publish(topic, 0, false, value)
}

// Register routes messages whose topic starts with <base>/<prefix> to
// h.
func (c *Client) Register(prefix string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations = append(c.registrations, registration{prefix: prefix, handler: h})
}

// Unregister removes the first registration for prefix.
func (c *Client) Unregister(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, reg := range c.registrations {
		if reg.prefix == prefix {
			c.registrations = append(c.registrations[:i], c.registrations[i+1:]...)
			return
		}
	}
}

// dispatch fans an inbound message out to every matching
// registration.
func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	regs := make([]registration, len(c.registrations))
	copy(regs, c.registrations)
	c.mu.Unlock()

	for _, reg := range regs {
		if strings.HasPrefix(topic, c.base+"/"+reg.prefix) {
			reg.handler(topic, payload)
		}
	}
}
