package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// EncodeMessage frames a payload into the protocol envelope. The websocket
// transport delivers one envelope per text frame.
func EncodeMessage(msgType MessageType, data interface{}) ([]byte, error) {
	if err := msgType.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return msgBytes, nil
}

// DecodeMessage parses one envelope from a frame.
func DecodeMessage(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// DecodePayload parses the envelope's data into a specific type.
func DecodePayload(msg *Message, target interface{}) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("message has no payload")
	}
	if err := json.Unmarshal(msg.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", msg.Type, err)
	}
	return nil
}
