package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalParams(t *testing.T) {
	raw, err := MarshalParams(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))

	raw, err = MarshalParams([]any{"0xabc", 1})
	require.NoError(t, err)
	assert.JSONEq(t, `["0xabc",1]`, string(raw))

	raw, err = MarshalParams(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	_, err = MarshalParams(json.RawMessage(`{broken`))
	assert.Error(t, err)
}

func TestSubscriptionID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "string id", raw: `"0xdeadbeef"`, want: "0xdeadbeef"},
		{name: "numeric id", raw: `42`, want: "42"},
		{name: "null", raw: `null`, wantErr: true},
		{name: "empty string", raw: `""`, wantErr: true},
		{name: "object", raw: `{"x":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubscriptionID(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessage_Classification(t *testing.T) {
	var resp Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"result":"ok"}`), &resp))
	assert.False(t, resp.IsNotification())
	id, err := ParseRequestID(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)

	var notif Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"chain_newHead","params":{"subscription":"abc","result":{"number":"0x1"}}}`), &notif))
	assert.True(t, notif.IsNotification())
	require.NotNil(t, notif.Params)
	assert.JSONEq(t, `{"number":"0x1"}`, string(notif.Params.Result))
}

func TestRPCError_Error(t *testing.T) {
	err := &RPCError{Code: -32601, Message: "Method not found"}
	assert.Equal(t, "rpc error -32601: Method not found", err.Error())
}
