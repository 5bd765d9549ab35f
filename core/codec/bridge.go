package codec

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Op identifies a bridge message.
type Op uint8

const (
	OpConnect Op = iota + 1
	OpDisconnect
	OpServices
	OpRead
	OpWriteRequest
	OpWriteCommand
	OpResponse
	OpDisconnected
)

func (o Op) String() string {
	switch o {
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpServices:
		return "services"
	case OpRead:
		return "read"
	case OpWriteRequest:
		return "write-request"
	case OpWriteCommand:
		return "write-command"
	case OpResponse:
		return "response"
	case OpDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Status is the result code carried by a response.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotConnected
	StatusNotFound
	StatusTimeout
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotConnected:
		return "not connected"
	case StatusNotFound:
		return "not found"
	case StatusTimeout:
		return "timeout"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

const (
	messageHeaderSize = 2
	attributeSize     = 32
)

var (
	ErrMessageTooShort = errors.New("bridge message too short")
	ErrBodyTooLarge    = errors.New("bridge message body too large")
)

// Message is one bridge request, response or event. Responses echo the
// request's sequence number; unsolicited events use sequence 0.
type Message struct {
	Op   Op
	Seq  uint8
	Body []byte
}

// Encode serializes the message as a frame payload.
func (m Message) Encode() ([]byte, error) {
	if messageHeaderSize+len(m.Body) > MaxPayload {
		return nil, ErrBodyTooLarge
	}
	out := make([]byte, 0, messageHeaderSize+len(m.Body))
	out = append(out, byte(m.Op), m.Seq)
	return append(out, m.Body...), nil
}

// DecodeMessage parses a frame payload.
func DecodeMessage(payload []byte) (Message, error) {
	if len(payload) < messageHeaderSize {
		return Message{}, ErrMessageTooShort
	}
	return Message{
		Op:   Op(payload[0]),
		Seq:  payload[1],
		Body: payload[messageHeaderSize:],
	}, nil
}

// AttributeBody builds the body of read and write requests: the service
// UUID, the characteristic UUID, then any value bytes.
func AttributeBody(service, characteristic uuid.UUID, value []byte) []byte {
	out := make([]byte, 0, attributeSize+len(value))
	out = append(out, service[:]...)
	out = append(out, characteristic[:]...)
	return append(out, value...)
}

// ParseAttributeBody splits a read or write request body.
func ParseAttributeBody(body []byte) (service, characteristic uuid.UUID, value []byte, err error) {
	if len(body) < attributeSize {
		return uuid.Nil, uuid.Nil, nil, ErrMessageTooShort
	}
	copy(service[:], body[:16])
	copy(characteristic[:], body[16:32])
	return service, characteristic, body[attributeSize:], nil
}

// ResponseBody builds a response body.
func ResponseBody(status Status, value []byte) []byte {
	return append([]byte{byte(status)}, value...)
}

// ParseResponseBody splits a response body into status and value.
func ParseResponseBody(body []byte) (Status, []byte, error) {
	if len(body) < 1 {
		return 0, nil, ErrMessageTooShort
	}
	return Status(body[0]), body[1:], nil
}

// EncodeUUIDs packs a service list as consecutive 16-byte UUIDs.
func EncodeUUIDs(ids []uuid.UUID) []byte {
	out := make([]byte, 0, 16*len(ids))
	for _, id := range ids {
		out = append(out, id[:]...)
	}
	return out
}

// DecodeUUIDs unpacks a service list.
func DecodeUUIDs(b []byte) ([]uuid.UUID, error) {
	if len(b)%16 != 0 {
		return nil, fmt.Errorf("uuid list length %d is not a multiple of 16", len(b))
	}
	ids := make([]uuid.UUID, 0, len(b)/16)
	for i := 0; i < len(b); i += 16 {
		var id uuid.UUID
		copy(id[:], b[i:i+16])
		ids = append(ids, id)
	}
	return ids, nil
}
