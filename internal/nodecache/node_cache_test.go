package nodecache

import (
	"encoding/base64"
	"testing"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestUpdateFromPacket_NewNode(t *testing.T) {
	c := New()
	isNew := c.UpdateFromPacket(map[string]any{"fromId": "!abcd1234"})
	require.True(t, isNew)

	info, ok := c.GetNodeInfo("!abcd1234")
	require.True(t, ok)
	require.False(t, info.LastSeen.IsZero())
}

func TestUpdateFromPacket_SecondCallNotNew(t *testing.T) {
	c := New()
	require.True(t, c.UpdateFromPacket(map[string]any{"fromId": "!abcd1234"}))
	require.False(t, c.UpdateFromPacket(map[string]any{"fromId": "!abcd1234"}))
}

func TestUpdateFromPacket_MissingFromId(t *testing.T) {
	c := New()
	require.False(t, c.UpdateFromPacket(map[string]any{}))
	require.Equal(t, 0, c.Len())
}

func TestUpdateFromPacket_Position(t *testing.T) {
	c := New()
	latI := int32(515014760)
	lonI := int32(-1406340)
	alt := int32(12)
	payload, err := proto.Marshal(&meshtastic.Position{LatitudeI: &latI, LongitudeI: &lonI, Altitude: &alt})
	require.NoError(t, err)

	c.UpdateFromPacket(map[string]any{
		"fromId": "!abcd1234",
		"decoded": map[string]any{
			"portnum": "POSITION_APP",
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	})

	info, ok := c.GetNodeInfo("!abcd1234")
	require.True(t, ok)
	require.NotNil(t, info.Position)
	require.InDelta(t, 51.501476, info.Position.Latitude, 1e-6)
	require.InDelta(t, -0.140634, info.Position.Longitude, 1e-6)
	require.NotNil(t, info.Position.Altitude)
	require.InDelta(t, 12.0, *info.Position.Altitude, 1e-9)
}

func TestUpdateFromPacket_LongName(t *testing.T) {
	c := New()
	payload, err := proto.Marshal(&meshtastic.User{LongName: "Test Node"})
	require.NoError(t, err)

	c.UpdateFromPacket(map[string]any{
		"fromId": "!abcd1234",
		"decoded": map[string]any{
			"portnum": "NODEINFO_APP",
			"payload": payload,
		},
	})

	info, ok := c.GetNodeInfo("!abcd1234")
	require.True(t, ok)
	require.Equal(t, "Test Node", info.LongName)
}

func TestUpdateFromPacket_MalformedPayloadDoesNotPanic(t *testing.T) {
	c := New()
	require.NotPanics(t, func() {
		isNew := c.UpdateFromPacket(map[string]any{
			"fromId": "!abcd1234",
			"decoded": map[string]any{
				"portnum": "POSITION_APP",
				"payload": "not-valid-base64!!",
			},
		})
		require.True(t, isNew)
	})
}
