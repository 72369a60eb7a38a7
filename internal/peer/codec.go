package peer

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("malformed peer message")

// Field numbers of the message encoding.
const (
	fieldOpcode   protowire.Number = 1
	fieldFrom     protowire.Number = 2
	fieldID       protowire.Number = 3
	fieldClass    protowire.Number = 4
	fieldSlot     protowire.Number = 5
	fieldMask     protowire.Number = 6
	fieldSequence protowire.Number = 7
	fieldState    protowire.Number = 8
)

// fields is the flattened view of every variant.
type fields struct {
	opcode   Opcode
	from     domain.Side
	id       uuid.UUID
	class    domain.DeviceClass
	slot     int
	mask     domain.DeviceMask
	sequence uint64
	state    string
}

// Marshal encodes a message with protobuf wire primitives.
func Marshal(m Message) ([]byte, error) {
	f := fields{opcode: m.Opcode()}
	switch msg := m.(type) {
	case *ConfigChanged:
		f.from, f.mask, f.class, f.slot = msg.From, msg.Mask, msg.Class, msg.Slot
	case *PermissionRequest:
		f.from, f.id, f.class, f.slot = msg.From, msg.ID, msg.Subject.Class, msg.Subject.Slot
	case *PermissionGrant:
		f.from, f.id, f.class, f.slot = msg.From, msg.ID, msg.Subject.Class, msg.Subject.Slot
	case *PermissionDeny:
		f.from, f.id, f.class, f.slot = msg.From, msg.ID, msg.Subject.Class, msg.Subject.Slot
	case *PermissionRelease:
		f.from, f.id, f.class, f.slot = msg.From, msg.ID, msg.Subject.Class, msg.Subject.Slot
	case *PeerAlive:
		f.from, f.sequence, f.state = msg.From, msg.Sequence, msg.State
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", domain.ErrUnsupported, m)
	}
	if f.slot < 0 {
		return nil, fmt.Errorf("%w: negative slot %d", domain.ErrInvalidArgument, f.slot)
	}

	var b []byte
	b = appendVarint(b, fieldOpcode, uint64(f.opcode))
	b = appendVarint(b, fieldFrom, uint64(f.from))
	if f.id != uuid.Nil {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendBytes(b, f.id[:])
	}
	if f.class != "" {
		b = protowire.AppendTag(b, fieldClass, protowire.BytesType)
		b = protowire.AppendString(b, string(f.class))
	}
	b = appendVarint(b, fieldSlot, uint64(f.slot))
	if f.mask != 0 {
		b = appendVarint(b, fieldMask, uint64(f.mask))
	}
	if f.sequence != 0 {
		b = appendVarint(b, fieldSequence, f.sequence)
	}
	if f.state != "" {
		b = protowire.AppendTag(b, fieldState, protowire.BytesType)
		b = protowire.AppendString(b, f.state)
	}
	return b, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes a message produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (Message, error) {
	var f fields
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldOpcode:
				f.opcode = Opcode(v)
			case fieldFrom:
				f.from = domain.Side(v)
			case fieldSlot:
				f.slot = int(v)
			case fieldMask:
				f.mask = domain.DeviceMask(v)
			case fieldSequence:
				f.sequence = v
			}
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldID:
				id, err := uuid.FromBytes(v)
				if err != nil {
					return nil, fmt.Errorf("%w: request id: %v", ErrMalformed, err)
				}
				f.id = id
			case fieldClass:
				f.class = domain.DeviceClass(v)
			case fieldState:
				f.state = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !f.from.Valid() {
		return nil, fmt.Errorf("%w: bad sender %d", ErrMalformed, int(f.from))
	}
	subject := Subject{Class: f.class, Slot: f.slot}
	switch f.opcode {
	case OpConfigChanged:
		return &ConfigChanged{From: f.from, Mask: f.mask, Class: f.class, Slot: f.slot}, nil
	case OpPermissionRequest:
		return &PermissionRequest{ID: f.id, From: f.from, Subject: subject}, nil
	case OpPermissionGrant:
		return &PermissionGrant{ID: f.id, From: f.from, Subject: subject}, nil
	case OpPermissionDeny:
		return &PermissionDeny{ID: f.id, From: f.from, Subject: subject}, nil
	case OpPermissionRelease:
		return &PermissionRelease{ID: f.id, From: f.from, Subject: subject}, nil
	case OpPeerAlive:
		return &PeerAlive{From: f.from, Sequence: f.sequence, State: f.state}, nil
	}
	return nil, fmt.Errorf("%w: opcode %s", domain.ErrUnsupported, f.opcode)
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldOpcode, fieldFrom, fieldSlot, fieldMask, fieldSequence:
		return true
	}
	return false
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldID, fieldClass, fieldState:
		return true
	}
	return false
}
