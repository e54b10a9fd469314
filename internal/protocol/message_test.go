package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiveType(t *testing.T) {
	got, ok := ReceiveType(TypeSendOffer)
	require.True(t, ok)
	assert.Equal(t, TypeReceiveOffer, got)

	got, ok = ReceiveType(TypeSendICECandidate)
	require.True(t, ok)
	assert.Equal(t, TypeReceiveICECandidate, got)

	got, ok = ReceiveType(TypeSendNegotiate)
	require.True(t, ok)
	assert.Equal(t, TypeReceiveNegotiate, got)

	_, ok = ReceiveType(TypeJoinRoom)
	assert.False(t, ok)
}

func TestPayloadPassesThroughUnchanged(t *testing.T) {
	raw := `{"type":"send-offer","to":"p2","payload":{"sdp":"v=0\r\n","type":"offer"}}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, `{"sdp":"v=0\r\n","type":"offer"}`, string(m.Payload))

	out, err := json.Marshal(Message{Type: TypeReceiveOffer, From: "p1", Payload: m.Payload})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"receive-offer","from":"p1","payload":{"sdp":"v=0\r\n","type":"offer"}}`, string(out))
}

func TestJoinStateTerminal(t *testing.T) {
	assert.False(t, JoinPending.Terminal())
	assert.True(t, JoinAccepted.Terminal())
	assert.True(t, JoinRejected.Terminal())
}
