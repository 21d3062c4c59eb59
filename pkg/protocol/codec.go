package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrUnknownCodec is returned by CodecByName for unsupported names.
var ErrUnknownCodec = errors.New("unknown codec")

// ErrMissingEvent is returned when a decoded frame carries no event name.
var ErrMissingEvent = errors.New("frame has no event name")

// Codec converts frames to and from websocket message payloads.
type Codec interface {
	// Name is the configuration name of the codec.
	Name() string
	// Binary reports whether payloads travel as binary websocket messages.
	Binary() bool
	Encode(f Frame) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

// CodecByName returns the codec registered under name ("json" or "proto").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSONCodec encodes frames as JSON text messages.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Binary() bool { return false }

// Encode encodes the frame into JSON
func (JSONCodec) Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode decodes JSON into a frame
func (JSONCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, ErrMissingEvent
	}
	return f, nil
}

// ProtoCodec encodes frames in protobuf wire format as binary messages.
//
//	Frame:   1 event, 2 chat_id, 3 sender, 4 message, 5 data (Message), 6 msg, 7 reason
//	Message: 1 id, 2 text, 3 created_at (unix nanoseconds), 4 sender (User)
//	User:    1 username, 2 first_name, 3 last_name, 4 email
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Binary() bool { return true }

// Encode encodes the frame into protobuf bytes
func (ProtoCodec) Encode(f Frame) ([]byte, error) {
	if f.Event == "" {
		return nil, fmt.Errorf("failed to encode frame: %w", ErrMissingEvent)
	}
	var b []byte
	b = appendString(b, 1, f.Event)
	b = appendString(b, 2, f.ChatID)
	b = appendString(b, 3, f.Sender)
	b = appendString(b, 4, f.Text)
	if f.Message != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMessage(nil, *f.Message))
	}
	b = appendString(b, 6, f.Notice)
	b = appendString(b, 7, f.Reason)
	return b, nil
}

// Decode decodes protobuf bytes into a frame
func (ProtoCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			f.Event = string(v)
		case 2:
			f.ChatID = string(v)
		case 3:
			f.Sender = string(v)
		case 4:
			f.Text = string(v)
		case 5:
			msg, err := consumeMessage(v)
			if err != nil {
				return err
			}
			f.Message = &msg
		case 6:
			f.Notice = string(v)
		case 7:
			f.Reason = string(v)
		}
		return nil
	})
	if err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, ErrMissingEvent
	}
	return f, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, m Message) []byte {
	b = appendString(b, 1, string(m.ID))
	b = appendString(b, 2, m.Text)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	}
	var u []byte
	u = appendString(u, 1, m.Sender.Username)
	u = appendString(u, 2, m.Sender.FirstName)
	u = appendString(u, 3, m.Sender.LastName)
	u = appendString(u, 4, m.Sender.Email)
	if len(u) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, u)
	}
	return b
}

func consumeMessage(data []byte) (Message, error) {
	var m Message
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.ID = MessageID(v)
		case num == 2 && typ == protowire.BytesType:
			m.Text = string(v)
		case num == 3 && typ == protowire.VarintType:
			m.CreatedAt = time.Unix(0, int64(x)).UTC()
		case num == 4 && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if typ != protowire.BytesType {
					return nil
				}
				switch num {
				case 1:
					m.Sender.Username = string(v)
				case 2:
					m.Sender.FirstName = string(v)
				case 3:
					m.Sender.LastName = string(v)
				case 4:
					m.Sender.Email = string(v)
				}
				return nil
			})
		}
		return nil
	})
	return m, err
}

// walk visits every field in b. Bytes fields are passed in v, varints in x;
// other wire types are skipped.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
