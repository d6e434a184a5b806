package queue

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/kellnr/kellnr/common"
)

// DocBuildMessage is the notification body published for each enqueued
// doc build. It names the package and version of the DocQueue row the
// worker finds when it polls. The publish handler leaves ID at zero,
// since Publish does not return the id of the row it inserts.
type DocBuildMessage struct {
	ID      int64  `json:"id"`
	Package string `json:"package"`
	Version string `json:"version"`
	Workdir string `json:"workdir"`
}

// DocsNotifier publishes DocBuildMessages to a durable queue on an
// AMQP broker.
type DocsNotifier struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
}

// NewDocsNotifier connects to the broker and declares the durable
// notification queue.
func NewDocsNotifier(url, queueName string) (*DocsNotifier, error) {
	return NewDocsNotifierWithDialer(url, queueName, &RealAMQPDialer{})
}

// NewDocsNotifierWithDialer is NewDocsNotifier with an injectable
// dialer for tests.
func NewDocsNotifierWithDialer(url, queueName string, dialer AMQPDialer) (*DocsNotifier, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open AMQP channel: %w", err)
	}
	// Durable so queued notifications survive a broker restart.
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	return &DocsNotifier{connection: conn, channel: ch, queueName: queueName}, nil
}

// Notify publishes one doc-build notification. Failures are returned to
// the caller, which logs and moves on: the DB row already guarantees
// the build will happen.
func (n *DocsNotifier) Notify(msg DocBuildMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal doc-build message: %w", err)
	}
	err = n.channel.Publish("", n.queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish doc-build message: %w", err)
	}
	common.Logger.WithField("package", msg.Package).WithField("version", msg.Version).
		Debug("published doc-build notification")
	return nil
}

// Close releases the channel and connection.
func (n *DocsNotifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.connection != nil {
		n.connection.Close()
	}
	return nil
}
