package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/weft/internal/mesh"
)

// MaxFrameSize bounds an encoded frame. A full response batch of literals
// stays well below it.
const MaxFrameSize = 16 << 20

var (
	// ErrUnknownType is returned for frames naming no known message type.
	ErrUnknownType = errors.New("unknown message type")

	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// envelope is the outer frame.
type envelope struct {
	Type    mesh.MessageType `cbor:"t"`
	Agent   string           `cbor:"a"`
	Payload cbor.RawMessage  `cbor:"p"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encoding mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
		MaxNestedLevels:  32,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decoding mode: %v", err))
	}
}

// Encode frames msg for the agent agentID.
func Encode(agentID string, msg mesh.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode: nil message")
	}
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	data, err := encMode.Marshal(envelope{Type: msg.Type(), Agent: agentID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %w: %d bytes", msg.Type(), ErrFrameTooLarge, len(data))
	}
	return data, nil
}

// Decode parses a frame and returns its agent id and message.
func Decode(data []byte) (string, mesh.Message, error) {
	if len(data) > MaxFrameSize {
		return "", nil, fmt.Errorf("decode: %w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	msg, ok := mesh.NewMessage(env.Type)
	if !ok {
		return "", nil, fmt.Errorf("decode: %w: %q", ErrUnknownType, env.Type)
	}
	if err := decMode.Unmarshal(env.Payload, msg); err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return env.Agent, msg, nil
}
