package protocol

import "fmt"

// Codec encodes and decodes frames for one direction of traffic.
// The zero value uses the compact format.
type Codec struct {
	Format Format
}

func NewCodec(f Format) Codec {
	return Codec{Format: f}
}

func (c Codec) format() Format {
	if c.Format == "" {
		return FormatCompact
	}
	return c.Format
}

// EncodeServer encodes a server message in the codec's format. Identity is
// always sent as JSON text. A compact encoding error is returned as-is so the
// caller can fall back with EncodeServerJSON.
func (c Codec) EncodeServer(m ServerMessage) (Frame, error) {
	if _, ok := m.(Identity); ok {
		return EncodeServerJSON(m)
	}

	switch c.format() {
	case FormatCompact:
		data, err := EncodeCompact(m)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Binary: true, Data: data}, nil
	case FormatMsgpack:
		data, err := MarshalServerMsgpack(m)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Binary: true, Data: data}, nil
	default:
		return EncodeServerJSON(m)
	}
}

// EncodeServerJSON is the text fallback path understood by every client.
func EncodeServerJSON(m ServerMessage) (Frame, error) {
	data, err := MarshalServerJSON(m)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Data: data}, nil
}

// DecodeServer decodes a frame received by a client. Text frames are always
// JSON; binary frames follow the codec's format.
func (c Codec) DecodeServer(f Frame) (ServerMessage, error) {
	if !f.Binary {
		return UnmarshalServerJSON(f.Data)
	}
	switch c.format() {
	case FormatCompact:
		return DecodeCompact(f.Data)
	case FormatMsgpack:
		return UnmarshalServerMsgpack(f.Data)
	default:
		return nil, fmt.Errorf("%w: binary frame on %s codec", ErrProtocol, c.format())
	}
}

func (c Codec) EncodeUpdate(u Update) (Frame, error) {
	switch c.format() {
	case FormatCompact:
		return Frame{Binary: true, Data: EncodeCompactUpdate(u.Presence)}, nil
	case FormatMsgpack:
		data, err := MarshalUpdateMsgpack(u)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Binary: true, Data: data}, nil
	default:
		data, err := MarshalUpdateJSON(u)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Data: data}, nil
	}
}

// DecodeUpdate decodes a frame received by the server. The compact path only
// accepts fixed-size binary frames. The structured paths accept JSON text and
// msgpack binary alike.
func (c Codec) DecodeUpdate(f Frame) (Update, error) {
	if c.format() == FormatCompact {
		if !f.Binary {
			return Update{}, fmt.Errorf("%w: text frame on compact path", ErrProtocol)
		}
		return DecodeCompactUpdate(f.Data)
	}
	if f.Binary {
		return UnmarshalUpdateMsgpack(f.Data)
	}
	return UnmarshalUpdateJSON(f.Data)
}
