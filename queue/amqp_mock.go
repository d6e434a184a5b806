package queue

import (
	"errors"
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPDialer hands out a shared MockAMQPConnection, or fails every
// dial when DialErr is set.
type MockAMQPDialer struct {
	Connection *MockAMQPConnection
	DialErr    error
}

func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	if m.Connection == nil {
		m.Connection = NewMockAMQPConnection()
	}
	return m.Connection, nil
}

// MockAMQPConnection records channel opens and closes.
type MockAMQPConnection struct {
	ChannelMock *MockAMQPChannel
	ChannelErr  error
	Closed      bool
}

func NewMockAMQPConnection() *MockAMQPConnection {
	return &MockAMQPConnection{ChannelMock: &MockAMQPChannel{}}
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.ChannelMock, nil
}

func (m *MockAMQPConnection) Close() error {
	m.Closed = true
	return nil
}

// PublishedMessage captures one Publish call on the mock channel.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// MockAMQPChannel records declared queues and published messages.
type MockAMQPChannel struct {
	mu         sync.Mutex
	Declared   []string
	Published  []PublishedMessage
	DeclareErr error
	PublishErr error
	Closed     bool
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeclareErr != nil {
		return amqp.Queue{}, m.DeclareErr
	}
	m.Declared = append(m.Declared, name)
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, PublishedMessage{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

func (m *MockAMQPChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// ErrMockDialFailed is a ready-made dial error for tests.
var ErrMockDialFailed = errors.New("mock dial failed")
