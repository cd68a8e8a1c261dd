package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec_RequestRoundTrip(t *testing.T) {
	codec := JSONCodec{}
	in := DispatchRequest{
		ModelSession: testSession,
		QueryID:      7,
		UDPRPCPort:   9100,
		Query: QueryMeta{
			ModelSessionID: testSession.ID(),
			Clock:          PunchClock{FrontendRecvNS: 123456789},
			PayloadRef:     "shm://frame/7",
		},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := codec.DecodeDispatchRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, &in, out)
}

func TestJSONCodec_ReplyEncodes(t *testing.T) {
	codec := JSONCodec{}
	raw, err := codec.EncodeDispatchReply(&DispatchReply{
		Status: StatusOK, ModelSession: testSession, QueryID: 7,
	})
	require.NoError(t, err)

	var out DispatchReply
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, uint64(7), out.QueryID)
}

func TestJSONCodec_RejectsGarbage(t *testing.T) {
	codec := JSONCodec{}
	_, err := codec.DecodeDispatchRequest([]byte("not json"))
	assert.Error(t, err)

	// Well-formed JSON without a model session is still a parse error.
	_, err = codec.DecodeDispatchRequest([]byte(`{"QueryID": 1}`))
	assert.Error(t, err)
}
