// Package mqtt relays protocol command lines over an MQTT broker: commands
// arrive on <name>/command, responses go out on <name>/response.
package mqtt

import (
	"context"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

const subscribeTimeoutSeconds = 15
const connectionTimeoutSeconds = 5
const publishTimeoutSeconds = 4

type Handler interface {
	Handle(pub *paho.Publish)
	SubscribeTopic() string
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Client struct {
	config   autopaho.ClientConfig
	conn     *autopaho.ConnectionManager
	logger   *log.Logger
	handlers []Handler
}

func NewClient(broker string, clientID string) (*Client, error) {
	addr, err := url.Parse(broker)
	if err != nil {
		return nil, err
	}

	client := &Client{
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "mqtt",
			Level:  log.GetLevel(),
		}),
	}

	client.config = autopaho.ClientConfig{
		BrokerUrls:            []*url.URL{addr},
		KeepAlive:             20,
		SessionExpiryInterval: 60,
		OnConnectionUp:        client.onConnUp,
		OnConnectError:        client.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientID,
			OnClientError:      client.onConnError,
			OnServerDisconnect: client.onSrvDisconnect,
			OnPublishReceived:  client.onPublishRecv(),
		},
	}

	return client, nil
}

func (c *Client) Publish(topic string, payload []byte) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeoutSeconds*time.Second)
	defer cancel()

	_, err = c.conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	})
	return
}

func (c *Client) Connect(handlers []Handler) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeoutSeconds*time.Second)
	defer cancel()

	c.handlers = handlers

	c.conn, err = autopaho.NewConnection(ctx, c.config)
	if err != nil {
		return
	}

	return c.conn.AwaitConnection(ctx)
}

func (c *Client) Disconnect(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Disconnect(ctx)
}

func (c *Client) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	c.logger.Info("Connected to MQTT broker")

	subs := []paho.SubscribeOptions{}
	for _, handler := range c.handlers {
		subs = append(subs, paho.SubscribeOptions{
			QoS:   1,
			Topic: handler.SubscribeTopic(),
		})
	}

	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeoutSeconds*time.Second)
	defer cancel()

	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: subs,
	})
	if err != nil {
		c.logger.Error("Failed to subscribe to topics", "err", err)
	}
}

func (c *Client) onConnError(err error) {
	c.logger.Error("Received mqtt connection error", "err", err)
}

func (c *Client) onSrvDisconnect(d *paho.Disconnect) {
	c.logger.Info("Disconnected from MQTT broker")
}

func (c *Client) onPublishRecv() []func(paho.PublishReceived) (bool, error) {
	return []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			for _, handler := range c.handlers {
				if handler.SubscribeTopic() == pr.Packet.Topic {
					handler.Handle(pr.Packet)
					return true, nil
				}
			}
			c.logger.Debug("no handler for topic", "topic", pr.Packet.Topic)
			return false, nil
		},
	}
}

// CommandRelay runs every payload arriving on the command topic through the
// protocol and publishes whatever the handler answered.
type CommandRelay struct {
	commandTopic  string
	responseTopic string
	pub           Publisher
	execute       func(line string) []byte
}

func NewCommandRelay(topicPrefix string, pub Publisher, execute func(line string) []byte) *CommandRelay {
	return &CommandRelay{
		commandTopic:  topicPrefix + "/command",
		responseTopic: topicPrefix + "/response",
		pub:           pub,
		execute:       execute,
	}
}

func (cr *CommandRelay) SubscribeTopic() string {
	return cr.commandTopic
}

func (cr *CommandRelay) Handle(pub *paho.Publish) {
	line := strings.TrimRight(string(pub.Payload), "\r\n")
	response := cr.execute(line)
	if len(response) > 0 {
		cr.pub.Publish(cr.responseTopic, response)
	}
}
