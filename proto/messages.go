// Package proto defines the channels of the freeze tag protocol and the
// records carried on each of them.
//
// Records are encoded with the protobuf wire format (field tags + varints)
// without generated code. Every field is always written, in field-number
// order, so encoding is deterministic and a decode reproduces the original
// record exactly.
package proto

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Channel names. Each channel carries exactly one record kind.
const (
	ChannelAlive    = "ALIVE"
	ChannelPosition = "POSITION"
	ChannelStart    = "START"
	ChannelFreeze   = "FREEZE"
	ChannelGameOver = "GAMEOVER"
)

// Channels lists every protocol channel.
var Channels = []string{ChannelAlive, ChannelPosition, ChannelStart, ChannelFreeze, ChannelGameOver}

// ErrMalformed is returned when a payload cannot be decoded into its record.
var ErrMalformed = errors.New("malformed message")

// Record is a protocol message bound to a single channel.
type Record interface {
	Channel() string
	Marshal() []byte
	Unmarshal(b []byte) error
}

// Position reports where an agent is and whether it is still in play.
type Position struct {
	Name   string
	X      int32
	Y      int32
	Active bool
}

// Alive announces that an agent is running.
type Alive struct {
	Name string
}

// Freeze tells the named evader it has been captured.
type Freeze struct {
	Name string
}

// Start opens the game. It has no fields.
type Start struct{}

// GameOver ends the game. It has no fields.
type GameOver struct{}

const (
	fieldName   protowire.Number = 1
	fieldX      protowire.Number = 2
	fieldY      protowire.Number = 3
	fieldActive protowire.Number = 4
)

func (*Position) Channel() string { return ChannelPosition }
func (*Alive) Channel() string    { return ChannelAlive }
func (*Freeze) Channel() string   { return ChannelFreeze }
func (*Start) Channel() string    { return ChannelStart }
func (*GameOver) Channel() string { return ChannelGameOver }

// Marshal encodes the position.
func (p *Position) Marshal() []byte {
	b := make([]byte, 0, len(p.Name)+16)
	b = appendName(b, p.Name)
	b = appendInt32(b, fieldX, p.X)
	b = appendInt32(b, fieldY, p.Y)
	b = protowire.AppendTag(b, fieldActive, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(p.Active))
	return b
}

// Unmarshal decodes b into p. The name field is required.
func (p *Position) Unmarshal(b []byte) error {
	var out Position
	var haveName bool
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldName:
			s, n, err := consumeName(typ, b)
			out.Name, haveName = s, true
			return n, err
		case fieldX:
			v, n, err := consumeInt32(typ, b)
			out.X = v
			return n, err
		case fieldY:
			v, n, err := consumeInt32(typ, b)
			out.Y = v
			return n, err
		case fieldActive:
			if typ != protowire.VarintType {
				return 0, fmt.Errorf("%w: active has wire type %d", ErrMalformed, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			out.Active = protowire.DecodeBool(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return err
	}
	if !haveName {
		return fmt.Errorf("%w: position without name", ErrMalformed)
	}
	*p = out
	return nil
}

func (a *Alive) Marshal() []byte { return appendName(nil, a.Name) }

func (a *Alive) Unmarshal(b []byte) error {
	name, err := unmarshalNamed(b)
	if err != nil {
		return err
	}
	a.Name = name
	return nil
}

func (f *Freeze) Marshal() []byte { return appendName(nil, f.Name) }

func (f *Freeze) Unmarshal(b []byte) error {
	name, err := unmarshalNamed(b)
	if err != nil {
		return err
	}
	f.Name = name
	return nil
}

func (*Start) Marshal() []byte             { return []byte{} }
func (*Start) Unmarshal(b []byte) error    { return skipAll(b) }
func (*GameOver) Marshal() []byte          { return []byte{} }
func (*GameOver) Unmarshal(b []byte) error { return skipAll(b) }

// Decode decodes a payload received on channel into the matching record.
func Decode(channel string, payload []byte) (Record, error) {
	var r Record
	switch channel {
	case ChannelAlive:
		r = &Alive{}
	case ChannelPosition:
		r = &Position{}
	case ChannelStart:
		r = &Start{}
	case ChannelFreeze:
		r = &Freeze{}
	case ChannelGameOver:
		r = &GameOver{}
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrMalformed, channel)
	}
	if err := r.Unmarshal(payload); err != nil {
		return nil, err
	}
	return r, nil
}

func appendName(b []byte, name string) []byte {
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	return protowire.AppendString(b, name)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func unmarshalNamed(b []byte) (string, error) {
	var name string
	var haveName bool
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldName {
			s, n, err := consumeName(typ, b)
			name, haveName = s, true
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return "", err
	}
	if !haveName {
		return "", fmt.Errorf("%w: missing name", ErrMalformed)
	}
	return name, nil
}

func skipAll(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// consumeFields walks every field in b. fn returns the number of bytes it
// consumed for the field value; a negative count is a protowire parse error.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func consumeName(typ protowire.Type, b []byte) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("%w: name has wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", n, nil
	}
	if len(v) == 0 {
		return "", 0, fmt.Errorf("%w: empty name", ErrMalformed)
	}
	if !utf8.Valid(v) {
		return "", 0, fmt.Errorf("%w: name is not valid UTF-8", ErrMalformed)
	}
	return string(v), n, nil
}

func consumeInt32(typ protowire.Type, b []byte) (int32, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: coordinate has wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, n, nil
	}
	x := protowire.DecodeZigZag(v)
	if int64(int32(x)) != x {
		return 0, 0, fmt.Errorf("%w: coordinate %d overflows int32", ErrMalformed, x)
	}
	return int32(x), n, nil
}
