package command

import (
	"bytes"

	"gpcore/internal/wire"
	"gpcore/internal/wireerr"
)

// MessageType discriminates the three payload shapes carried inside a
// SendReliable/SendUnreliable command, matching the Photon binary
// protocol's internal message-type byte.
type MessageType byte

const (
	MessageOperationRequest  MessageType = 2
	MessageOperationResponse MessageType = 3
	MessageEvent             MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageOperationRequest:
		return "OperationRequest"
	case MessageOperationResponse:
		return "OperationResponse"
	case MessageEvent:
		return "Event"
	default:
		return "Unknown"
	}
}

// OperationRequest is an operation invocation: an operation code
// plus its byte-keyed parameters.
type OperationRequest struct {
	Code       byte
	Parameters wire.ParameterTable
}

// OperationResponse carries an operation's result back to the caller. An
// empty DebugMessage and HasDebugMessage=false round-trips as a null tag
// rather than an empty string, matching how Photon distinguishes "no debug
// message" from "debug message is empty string".
type OperationResponse struct {
	Code            byte
	ReturnCode      int16
	DebugMessage    string
	HasDebugMessage bool
	Parameters      wire.ParameterTable
}

// Event is a server- or peer-raised event delivered to one or more peers.
type Event struct {
	Code       byte
	Parameters wire.ParameterTable
}

// Message is the decoded payload of a SendReliable/SendUnreliable command:
// exactly one of Request, Response, or Event is set, selected by Type.
type Message struct {
	Type     MessageType
	Request  *OperationRequest
	Response *OperationResponse
	Event    *Event
}

// NewRequestMessage wraps an operation request for sending.
func NewRequestMessage(code byte, params wire.ParameterTable) Message {
	return Message{Type: MessageOperationRequest, Request: &OperationRequest{Code: code, Parameters: params}}
}

// NewResponseMessage wraps an operation response for sending.
func NewResponseMessage(code byte, returnCode int16, debugMessage string, params wire.ParameterTable) Message {
	return Message{Type: MessageOperationResponse, Response: &OperationResponse{
		Code:            code,
		ReturnCode:      returnCode,
		DebugMessage:    debugMessage,
		HasDebugMessage: debugMessage != "",
		Parameters:      params,
	}}
}

// NewEventMessage wraps an event for sending.
func NewEventMessage(code byte, params wire.ParameterTable) Message {
	return Message{Type: MessageEvent, Event: &Event{Code: code, Parameters: params}}
}

func decodeMessage(r *bytes.Reader) (Message, error) {
	typeByte, err := readOneByte(r)
	if err != nil {
		return Message{}, err
	}
	msgType := MessageType(typeByte)
	switch msgType {
	case MessageOperationRequest:
		code, err := readOneByte(r)
		if err != nil {
			return Message{}, err
		}
		params, err := wire.DecodeParameterTable(r)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: msgType, Request: &OperationRequest{Code: code, Parameters: params}}, nil
	case MessageOperationResponse:
		code, err := readOneByte(r)
		if err != nil {
			return Message{}, err
		}
		rcBytes, err := readN(r, 2)
		if err != nil {
			return Message{}, err
		}
		returnCode := int16(uint16(rcBytes[0])<<8 | uint16(rcBytes[1]))
		debugMessage, hasDebug, err := decodeNullableString(r)
		if err != nil {
			return Message{}, err
		}
		params, err := wire.DecodeParameterTable(r)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: msgType, Response: &OperationResponse{
			Code:            code,
			ReturnCode:      returnCode,
			DebugMessage:    debugMessage,
			HasDebugMessage: hasDebug,
			Parameters:      params,
		}}, nil
	case MessageEvent:
		code, err := readOneByte(r)
		if err != nil {
			return Message{}, err
		}
		params, err := wire.DecodeParameterTable(r)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: msgType, Event: &Event{Code: code, Parameters: params}}, nil
	default:
		return Message{}, wireerr.NewDecodeError(int(posOf(r)), "unknown-message-type", "unrecognized message type byte")
	}
}

// decodeNullableString reads a full tagged Value expected to be either
// TagNull (no message) or TagString.
func decodeNullableString(r *bytes.Reader) (string, bool, error) {
	v, err := wire.Decode(r)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, wireerr.NewDecodeError(int(posOf(r)), "type-mismatch", "expected string or null for debug message")
	}
	return s, true, nil
}

func encodeMessage(buf *bytes.Buffer, msg Message) error {
	buf.WriteByte(byte(msg.Type))
	switch msg.Type {
	case MessageOperationRequest:
		buf.WriteByte(msg.Request.Code)
		return wire.EncodeParameterTable(buf, msg.Request.Parameters)
	case MessageOperationResponse:
		resp := msg.Response
		buf.WriteByte(resp.Code)
		var rc [2]byte
		rc[0] = byte(uint16(resp.ReturnCode) >> 8)
		rc[1] = byte(uint16(resp.ReturnCode))
		buf.Write(rc[:])
		if resp.HasDebugMessage {
			if err := wire.Encode(buf, resp.DebugMessage); err != nil {
				return err
			}
		} else {
			if err := wire.Encode(buf, nil); err != nil {
				return err
			}
		}
		return wire.EncodeParameterTable(buf, resp.Parameters)
	case MessageEvent:
		buf.WriteByte(msg.Event.Code)
		return wire.EncodeParameterTable(buf, msg.Event.Parameters)
	default:
		return wireerr.NewDecodeError(0, "unknown-message-type", "cannot encode message with unset type")
	}
}

func readOneByte(r *bytes.Reader) (byte, error) {
	b, err := readN(r, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}
