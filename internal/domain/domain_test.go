package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageFilters_EffectiveBounds(t *testing.T) {
	require.Equal(t, RetrieveLimit, MessageFilters{}.EffectiveLimit())
	require.Equal(t, 10, MessageFilters{Limit: 10}.EffectiveLimit())
	require.Equal(t, RetrieveLimit, MessageFilters{Limit: 5000}.EffectiveLimit())
	require.Equal(t, 0, MessageFilters{Offset: -3}.EffectiveOffset())
	require.Equal(t, 40, MessageFilters{Offset: 40}.EffectiveOffset())
}

func TestEnvelope_ReplyToNullOnWire(t *testing.T) {
	b, err := json.Marshal(Envelope{
		Source:  "alice",
		Mbox:    "c1",
		Text:    "hi",
		Created: 1700000000000,
		ID:      "m1",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"source":"alice","mbox":"c1","text":"hi","reply_to":null,"created":1700000000000,"id":"m1"}`, string(b))

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"source":"bob","mbox":"c1","text":"yo","reply_to":7,"created":1,"id":"m2"}`), &env))
	require.NotNil(t, env.ReplyTo)
	require.EqualValues(t, 7, *env.ReplyTo)
}

func TestReceipt_WireShape(t *testing.T) {
	r := int16(4)
	b, err := json.Marshal(Receipt{Message: "m1", User: "bob", Delivered: true, Reaction: &r})
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"m1","user":"bob","delivered":true,"read":false,"reaction":4}`, string(b))

	b, err = json.Marshal(Receipt{Message: "m1", User: "bob", Read: true})
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"m1","user":"bob","delivered":false,"read":true,"reaction":null}`, string(b))
}
