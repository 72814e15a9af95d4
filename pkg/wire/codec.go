package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKind protowire.Number = 1

	fieldFrom         protowire.Number = 2
	fieldTo           protowire.Number = 3
	fieldToPID        protowire.Number = 4
	fieldCallbackPort protowire.Number = 5
	fieldOriginHost   protowire.Number = 6
	fieldVersion      protowire.Number = 7
	fieldRank         protowire.Number = 8
	fieldGroup        protowire.Number = 9
	fieldPID          protowire.Number = 10
	fieldPort         protowire.Number = 11
	fieldHost         protowire.Number = 12
	fieldMachineKind  protowire.Number = 13
	fieldCount        protowire.Number = 14
	fieldGossipAddr   protowire.Number = 15
	fieldReason       protowire.Number = 16

	fieldMsgKind       protowire.Number = 20
	fieldMsgFrom       protowire.Number = 21
	fieldMsgTo         protowire.Number = 22
	fieldImmediateFrom protowire.Number = 23
	fieldLength        protowire.Number = 24
	fieldAck           protowire.Number = 25
	fieldBroadcast     protowire.Number = 26
	fieldDataKind      protowire.Number = 27
	fieldSeq           protowire.Number = 28
	fieldPayload       protowire.Number = 29
)

func appendInt(b []byte, num protowire.Number, v int) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// AppendControl appends the body of c to b.
func AppendControl(b []byte, c *Control) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Kind))
	b = appendInt(b, fieldFrom, c.From)
	b = appendInt(b, fieldTo, c.To)
	b = appendInt(b, fieldToPID, c.ToPID)
	b = appendInt(b, fieldCallbackPort, c.CallbackPort)
	b = appendString(b, fieldOriginHost, c.OriginHost)
	b = appendString(b, fieldVersion, c.Version)
	b = appendInt(b, fieldRank, c.Rank)
	b = appendInt(b, fieldGroup, c.Group)
	b = appendInt(b, fieldPID, c.PID)
	b = appendInt(b, fieldPort, c.Port)
	b = appendString(b, fieldHost, c.Host)
	b = appendString(b, fieldMachineKind, c.MachineKind)
	b = appendInt(b, fieldCount, c.Count)
	b = appendString(b, fieldGossipAddr, c.GossipAddr)
	b = appendString(b, fieldReason, c.Reason)
	return b
}

// AppendData appends the body of a data frame to b. The envelope Length is
// taken from payload.
func AppendData(b []byte, e *Envelope, payload []byte) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(KindData))
	b = appendInt(b, fieldMsgKind, e.Kind)
	b = appendInt(b, fieldMsgFrom, e.From)
	b = appendInt(b, fieldMsgTo, e.To)
	b = appendInt(b, fieldImmediateFrom, e.ImmediateFrom)
	b = appendInt(b, fieldLength, len(payload))
	b = appendBool(b, fieldAck, e.AckRequested)
	b = appendBool(b, fieldBroadcast, e.IsBroadcast)
	b = appendInt(b, fieldDataKind, e.DataKind)
	if e.Seq != 0 {
		b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Seq)
	}
	if len(payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

// Prefix wraps body in a length-prefixed frame.
func Prefix(body []byte) []byte {
	frame := protowire.AppendVarint(make([]byte, 0, len(body)+binaryMaxVarint), uint64(len(body)))
	return append(frame, body...)
}

// EncodeControl returns the complete frame of c.
func EncodeControl(c *Control) []byte {
	return Prefix(AppendControl(nil, c))
}

// EncodeData returns the complete frame of a data message.
func EncodeData(e *Envelope, payload []byte) []byte {
	return Prefix(AppendData(make([]byte, 0, len(payload)+64), e, payload))
}

const binaryMaxVarint = 10

// Decode parses a frame body. Payload aliases body.
func Decode(body []byte) (*Frame, error) {
	f := &Frame{}
	ctl := &Control{}
	env := &Envelope{}
	length := -1

	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		body = body[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			body = body[n:]
			i := int(protowire.DecodeZigZag(v))
			switch num {
			case fieldKind:
				if v > math.MaxUint32 {
					return nil, fmt.Errorf("%w: kind %d out of range", ErrMalformedFrame, v)
				}
				f.Kind = Kind(v)
			case fieldFrom:
				ctl.From = i
			case fieldTo:
				ctl.To = i
			case fieldToPID:
				ctl.ToPID = i
			case fieldCallbackPort:
				ctl.CallbackPort = i
			case fieldRank:
				ctl.Rank = i
			case fieldGroup:
				ctl.Group = i
			case fieldPID:
				ctl.PID = i
			case fieldPort:
				ctl.Port = i
			case fieldCount:
				ctl.Count = i
			case fieldMsgKind:
				env.Kind = i
			case fieldMsgFrom:
				env.From = i
			case fieldMsgTo:
				env.To = i
			case fieldImmediateFrom:
				env.ImmediateFrom = i
			case fieldLength:
				length = i
			case fieldAck:
				env.AckRequested = protowire.DecodeBool(v)
			case fieldBroadcast:
				env.IsBroadcast = protowire.DecodeBool(v)
			case fieldDataKind:
				env.DataKind = i
			case fieldSeq:
				env.Seq = v
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			body = body[n:]
			switch num {
			case fieldOriginHost:
				ctl.OriginHost = string(v)
			case fieldVersion:
				ctl.Version = string(v)
			case fieldHost:
				ctl.Host = string(v)
			case fieldMachineKind:
				ctl.MachineKind = string(v)
			case fieldGossipAddr:
				ctl.GossipAddr = string(v)
			case fieldReason:
				ctl.Reason = string(v)
			case fieldPayload:
				f.Payload = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			body = body[n:]
		}
	}

	if !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind %s", ErrMalformedFrame, f.Kind)
	}

	if f.Kind == KindData {
		if length < 0 {
			length = 0
		}
		if length != len(f.Payload) {
			return nil, fmt.Errorf("%w: envelope announces %d bytes, got %d", ErrMalformedFrame, length, len(f.Payload))
		}
		env.Length = length
		f.Envelope = env
		return f, nil
	}

	ctl.Kind = f.Kind
	f.Control = ctl
	f.Payload = nil
	return f, nil
}
