package indi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	s, err := ParseState("Alert")
	assert.NoError(t, err)
	assert.Equal(t, StateAlert, s)
	assert.Equal(t, "Alert", s.String())

	_, err = ParseState("alert")
	assert.Error(t, err, "states are case sensitive on the wire")
}

func TestPermWritable(t *testing.T) {
	assert.False(t, PermRO.Writable())
	assert.True(t, PermWO.Writable())
	assert.True(t, PermRW.Writable())
}

func TestEnumJSON(t *testing.T) {
	m := Message{
		Device:   "Focuser",
		Property: "position",
		Op:       OpSet,
		Type:     TypeNumber,
		State:    StateBusy,
		Perm:     PermRW,
	}

	data, err := json.Marshal(&m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"op":"set"`)
	assert.Contains(t, string(data), `"state":"Busy"`)
	assert.Contains(t, string(data), `"type":"Number"`)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, m.Op, got.Op)
	assert.Equal(t, m.State, got.State)
	assert.Equal(t, m.Perm, got.Perm)

	var bad Message
	assert.Error(t, json.Unmarshal([]byte(`{"op":"refresh"}`), &bad))
}
