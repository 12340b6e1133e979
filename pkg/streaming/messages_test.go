package streaming

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	env, err := Encode(TypeAck, nil)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack"}`, string(raw))

	env, err = Encode(TypePermission, PermissionPayload{Granted: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"granted":true}`, string(env.Payload))

	_, err = Encode(TypeState, func() {})
	assert.Error(t, err)
}

func TestDecode_Orientation(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"orientation","payload":{"alpha":90,"beta":null,"gamma":1.5}}`), &env))
	assert.Equal(t, TypeOrientation, env.Type)

	var p OrientationPayload
	require.NoError(t, env.Decode(&p))
	require.NotNil(t, p.Alpha)
	assert.Equal(t, 90.0, *p.Alpha)
	assert.Nil(t, p.Beta)
	assert.Nil(t, p.CompassHeading)
}

func TestDecode_Errors(t *testing.T) {
	err := Envelope{Type: TypeLocation}.Decode(&LocationPayload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing payload")

	err = Envelope{Type: TypeLocation, Payload: json.RawMessage(`"nope"`)}.Decode(&LocationPayload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payload")
}
