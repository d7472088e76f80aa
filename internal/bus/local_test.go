package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPublishRequiresInterest(t *testing.T) {
	l := NewLocal()
	var received []Message
	l.SetRelay(func(m Message) { received = append(received, m) })

	require.NoError(t, l.Publish(context.Background(), Message{Topic: ChannelTopic("news")}))
	assert.Empty(t, received, "no interest, no delivery")

	require.NoError(t, l.Subscribe(ChannelTopic("news")))
	require.NoError(t, l.Publish(context.Background(), Message{Topic: ChannelTopic("news"), Target: "news"}))
	require.Len(t, received, 1)
	assert.Equal(t, "news", received[0].Target)
}

func TestLocalUnsubscribeDropsInterest(t *testing.T) {
	l := NewLocal()
	var received []Message
	l.SetRelay(func(m Message) { received = append(received, m) })

	require.NoError(t, l.Subscribe("topic-a"))
	require.NoError(t, l.Unsubscribe("topic-a"))
	require.NoError(t, l.Publish(context.Background(), Message{Topic: "topic-a"}))
	assert.Empty(t, received)
}

func TestLocalStatus(t *testing.T) {
	l := NewLocal()
	assert.Equal(t, StatusLocal, l.Status())
	assert.True(t, l.Status().Healthy())

	require.NoError(t, l.Close())
	assert.Equal(t, StatusClosed, l.Status())

	assert.NoError(t, l.Publish(context.Background(), Message{Topic: "t"}), "publish after close is a no-op")
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Origin:  "gw-1",
		ID:      "m-1",
		Topic:   ChannelTopic("acme:news"),
		Scope:   "channel",
		Target:  "acme:news",
		Payload: []byte(`{"k":"v"}`),
		SentAt:  1700000000000,
	}

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	_, err = Decode([]byte("{broken"))
	assert.Error(t, err)
}

func TestTopicBuilders(t *testing.T) {
	assert.Equal(t, "gw.ch.acme:news", ChannelTopic("acme:news"))
	assert.Equal(t, "gw.scope.user", ScopeTopic("user"))
}
