package queue_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellnr/kellnr/queue"
)

func TestNotifierDeclaresDurableQueueOnConnect(t *testing.T) {
	dialer := &queue.MockAMQPDialer{}
	n, err := queue.NewDocsNotifierWithDialer("amqp://localhost", "kellnr_docbuild", dialer)
	require.NoError(t, err)
	defer n.Close()

	assert.Equal(t, []string{"kellnr_docbuild"}, dialer.Connection.ChannelMock.Declared)
}

func TestNotifyPublishesJSONMessage(t *testing.T) {
	dialer := &queue.MockAMQPDialer{}
	n, err := queue.NewDocsNotifierWithDialer("amqp://localhost", "kellnr_docbuild", dialer)
	require.NoError(t, err)
	defer n.Close()

	msg := queue.DocBuildMessage{ID: 7, Package: "my-crate", Version: "1.2.3", Workdir: "my-crate-1.2.3"}
	require.NoError(t, n.Notify(msg))

	published := dialer.Connection.ChannelMock.Published
	require.Len(t, published, 1)
	assert.Equal(t, "", published[0].Exchange)
	assert.Equal(t, "kellnr_docbuild", published[0].RoutingKey)
	assert.Equal(t, "application/json", published[0].Msg.ContentType)

	var decoded queue.DocBuildMessage
	require.NoError(t, json.Unmarshal(published[0].Msg.Body, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestNotifyPropagatesPublishError(t *testing.T) {
	dialer := &queue.MockAMQPDialer{}
	n, err := queue.NewDocsNotifierWithDialer("amqp://localhost", "q", dialer)
	require.NoError(t, err)
	defer n.Close()

	dialer.Connection.ChannelMock.PublishErr = queue.ErrMockDialFailed
	err = n.Notify(queue.DocBuildMessage{Package: "p", Version: "1.0.0"})
	require.Error(t, err)
}

func TestNewNotifierFailsWhenBrokerUnreachable(t *testing.T) {
	dialer := &queue.MockAMQPDialer{DialErr: queue.ErrMockDialFailed}
	_, err := queue.NewDocsNotifierWithDialer("amqp://nowhere", "q", dialer)
	require.Error(t, err)
}

func TestCloseReleasesChannelAndConnection(t *testing.T) {
	dialer := &queue.MockAMQPDialer{}
	n, err := queue.NewDocsNotifierWithDialer("amqp://localhost", "q", dialer)
	require.NoError(t, err)

	require.NoError(t, n.Close())
	assert.True(t, dialer.Connection.ChannelMock.Closed)
	assert.True(t, dialer.Connection.Closed)
}
