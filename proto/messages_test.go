package proto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestPosition_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Position
	}{
		{name: "origin active", in: Position{Name: "evader_0", X: 0, Y: 0, Active: true}},
		{name: "frozen", in: Position{Name: "evader_12", X: 19, Y: 29, Active: false}},
		{name: "pursuer", in: Position{Name: "it", X: 4, Y: 4, Active: true}},
		{name: "negative survives zigzag", in: Position{Name: "it", X: -3, Y: -2147483648}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out Position
			require.NoError(t, out.Unmarshal(tt.in.Marshal()))
			assert.Equal(t, tt.in, out)
		})
	}
}

func TestPosition_DeterministicEncoding(t *testing.T) {
	p := Position{Name: "evader_3", X: 7, Y: 1, Active: true}
	assert.Equal(t, p.Marshal(), p.Marshal())
}

func TestNamedRecords(t *testing.T) {
	alive := Alive{Name: "it"}
	var gotAlive Alive
	require.NoError(t, gotAlive.Unmarshal(alive.Marshal()))
	assert.Equal(t, alive, gotAlive)

	freeze := Freeze{Name: "evader_0"}
	var gotFreeze Freeze
	require.NoError(t, gotFreeze.Unmarshal(freeze.Marshal()))
	assert.Equal(t, freeze, gotFreeze)
}

func TestEmptyRecords(t *testing.T) {
	assert.Empty(t, (&Start{}).Marshal())
	assert.Empty(t, (&GameOver{}).Marshal())
	assert.NoError(t, (&Start{}).Unmarshal(nil))
	assert.NoError(t, (&GameOver{}).Unmarshal([]byte{}))

	// Unknown fields on an empty record are skipped.
	extra := appendName(nil, "ignored")
	assert.NoError(t, (&Start{}).Unmarshal(extra))
}

func TestDecode_Malformed(t *testing.T) {
	wrongType := protowire.AppendTag(nil, fieldName, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 1)

	overflow := appendName(nil, "it")
	overflow = protowire.AppendTag(overflow, fieldX, protowire.VarintType)
	overflow = protowire.AppendVarint(overflow, protowire.EncodeZigZag(1<<40))

	tests := []struct {
		name    string
		channel string
		payload []byte
	}{
		{name: "truncated tag", channel: ChannelPosition, payload: []byte{0x80}},
		{name: "missing name", channel: ChannelAlive, payload: []byte{}},
		{name: "empty name", channel: ChannelFreeze, payload: appendName(nil, "")},
		{name: "name with varint type", channel: ChannelFreeze, payload: wrongType},
		{name: "truncated bytes", channel: ChannelPosition, payload: []byte{0x0a, 0x05, 'a'}},
		{name: "coordinate overflow", channel: ChannelPosition, payload: overflow},
		{name: "invalid utf8", channel: ChannelAlive, payload: appendName(nil, string([]byte{0xff, 0xfe}))},
		{name: "unknown channel", channel: "HEARTBEAT", payload: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.channel, tt.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "want ErrMalformed, got %v", err)
		})
	}
}

func TestDecode_Dispatch(t *testing.T) {
	r, err := Decode(ChannelPosition, (&Position{Name: "it", X: 1, Y: 2, Active: true}).Marshal())
	require.NoError(t, err)
	p, ok := r.(*Position)
	require.True(t, ok)
	assert.Equal(t, int32(2), p.Y)
	assert.Equal(t, ChannelPosition, r.Channel())

	for _, ch := range Channels {
		assert.NotEmpty(t, ch)
	}
}
