package event

import (
	"encoding/json"
	"testing"

	"gigmarket/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsInvalidInput(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	// 缺少kind标签的信封在边界处被拒绝
	_, err = Decode([]byte(`{"payload":{"message_id":1}}`))
	assert.Error(t, err)
}

func TestDecodeRoundTrip(t *testing.T) {
	m := &model.Message{ID: 42, SenderID: 1, RecipientID: 2, Content: "hello"}
	data, err := NewMessage(m).Encode()
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindMessageNew, env.Kind)

	var p MessagePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, uint(42), p.Message.ID)
	assert.Equal(t, "hello", p.Message.Content)
}

func TestReadAckValidation(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"message:read","payload":{"message_id":7}}`))
	require.NoError(t, err)

	ack, err := env.ReadAck()
	require.NoError(t, err)
	assert.Equal(t, uint(7), ack.MessageID)

	// message_id 为零视为非法回执
	env, err = Decode([]byte(`{"kind":"message:read","payload":{}}`))
	require.NoError(t, err)
	_, err = env.ReadAck()
	assert.Error(t, err)
}

func TestConversationValidation(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"room:join","payload":{"peer_id":9,"job_id":3}}`))
	require.NoError(t, err)

	conv, err := env.Conversation()
	require.NoError(t, err)
	assert.Equal(t, uint(9), conv.PeerID)
	require.NotNil(t, conv.JobID)
	assert.Equal(t, uint(3), *conv.JobID)

	env, err = Decode([]byte(`{"kind":"room:join","payload":{"job_id":3}}`))
	require.NoError(t, err)
	_, err = env.Conversation()
	assert.Error(t, err)
}
