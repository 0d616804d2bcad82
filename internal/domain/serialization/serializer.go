package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
)

// ErrInvalidFrame 报文不是合法的OCPP-J帧
var ErrInvalidFrame = errors.New("invalid frame")

var emptyObject = json.RawMessage(`{}`)

// Frame OCPP-J线上帧
type Frame struct {
	MessageType ocpp16.MessageType
	UniqueID    string

	// CALL
	Action string
	// CALL / CALLRESULT
	Payload json.RawMessage

	// CALLERROR
	ErrorCode        ocpp16.ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// FrameError 帧解析错误，尽可能携带已解析出的uniqueId，便于回复CALLERROR
type FrameError struct {
	MessageType ocpp16.MessageType
	UniqueID    string
	Message     string
	Cause       error
}

// Error 实现error接口
func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid frame: %s (caused by: %v)", e.Message, e.Cause)
	}
	return fmt.Sprintf("invalid frame: %s", e.Message)
}

// Is 使errors.Is(err, ErrInvalidFrame)成立
func (e *FrameError) Is(target error) bool {
	return target == ErrInvalidFrame
}

// Unwrap 返回底层错误
func (e *FrameError) Unwrap() error {
	return e.Cause
}

// Recoverable 是否能够针对该帧回复CALLERROR：只对能识别uniqueId的请求帧回复，响应帧从不回复
func (e *FrameError) Recoverable() bool {
	if e.UniqueID == "" {
		return false
	}
	return e.MessageType != ocpp16.CallResult && e.MessageType != ocpp16.CallError
}

// Codec OCPP-J帧编解码器，无状态，可并发使用
type Codec struct{}

// NewCodec 创建编解码器
func NewCodec() *Codec {
	return &Codec{}
}

// Parse 解析一条文本消息
func (c *Codec) Parse(data []byte) (*Frame, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, &FrameError{Message: "payload is not a JSON array", Cause: err}
	}
	if len(elements) < 2 {
		return nil, &FrameError{Message: fmt.Sprintf("array too short: %d elements", len(elements))}
	}

	frame := &Frame{}
	fe := &FrameError{}

	// uniqueId先于其他校验解析，失败时仍可用于回复
	var uniqueID string
	if err := json.Unmarshal(elements[1], &uniqueID); err == nil {
		fe.UniqueID = uniqueID
	}

	var msgType int
	if err := json.Unmarshal(elements[0], &msgType); err != nil {
		fe.Message = "messageTypeId is not an integer"
		fe.Cause = err
		return nil, fe
	}
	frame.MessageType = ocpp16.MessageType(msgType)
	fe.MessageType = frame.MessageType
	if !frame.MessageType.IsValid() {
		fe.Message = fmt.Sprintf("unknown messageTypeId: %d", msgType)
		return nil, fe
	}
	if len(elements) < 3 {
		fe.Message = fmt.Sprintf("array too short: %d elements", len(elements))
		return nil, fe
	}

	if fe.UniqueID == "" {
		fe.Message = "uniqueId must be a non-empty string"
		return nil, fe
	}
	frame.UniqueID = fe.UniqueID

	switch frame.MessageType {
	case ocpp16.Call:
		if len(elements) != 4 {
			fe.Message = fmt.Sprintf("CALL must have 4 elements, got %d", len(elements))
			return nil, fe
		}
		if err := json.Unmarshal(elements[2], &frame.Action); err != nil || frame.Action == "" {
			fe.Message = "CALL action must be a non-empty string"
			fe.Cause = err
			return nil, fe
		}
		if !isObject(elements[3]) {
			fe.Message = "CALL payload must be a JSON object"
			return nil, fe
		}
		frame.Payload = elements[3]

	case ocpp16.CallResult:
		if len(elements) != 3 {
			fe.Message = fmt.Sprintf("CALLRESULT must have 3 elements, got %d", len(elements))
			return nil, fe
		}
		frame.Payload = elements[2]

	case ocpp16.CallError:
		if len(elements) != 4 && len(elements) != 5 {
			fe.Message = fmt.Sprintf("CALLERROR must have 4 or 5 elements, got %d", len(elements))
			return nil, fe
		}
		var code string
		if err := json.Unmarshal(elements[2], &code); err != nil {
			fe.Message = "errorCode must be a string"
			fe.Cause = err
			return nil, fe
		}
		frame.ErrorCode = ocpp16.ErrorCode(code)
		if err := json.Unmarshal(elements[3], &frame.ErrorDescription); err != nil {
			fe.Message = "errorDescription must be a string"
			fe.Cause = err
			return nil, fe
		}
		if len(elements) == 5 {
			frame.ErrorDetails = elements[4]
		}
	}

	return frame, nil
}

// Serialize 将帧序列化为线上格式，字段顺序固定
func (c *Codec) Serialize(frame *Frame) ([]byte, error) {
	if frame == nil {
		return nil, &FrameError{Message: "nil frame"}
	}

	var message []interface{}
	switch frame.MessageType {
	case ocpp16.Call:
		message = []interface{}{int(frame.MessageType), frame.UniqueID, frame.Action, orEmpty(frame.Payload)}
	case ocpp16.CallResult:
		message = []interface{}{int(frame.MessageType), frame.UniqueID, orEmpty(frame.Payload)}
	case ocpp16.CallError:
		message = []interface{}{int(frame.MessageType), frame.UniqueID, string(frame.ErrorCode), frame.ErrorDescription, orEmpty(frame.ErrorDetails)}
	default:
		return nil, &FrameError{
			MessageType: frame.MessageType,
			UniqueID:    frame.UniqueID,
			Message:     fmt.Sprintf("unknown messageTypeId: %d", int(frame.MessageType)),
		}
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, &FrameError{
			MessageType: frame.MessageType,
			UniqueID:    frame.UniqueID,
			Message:     "failed to marshal frame",
			Cause:       err,
		}
	}
	return data, nil
}

// NewCall 构造CALL帧
func NewCall(uniqueID string, action ocpp16.Action, payload interface{}) (*Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{MessageType: ocpp16.Call, UniqueID: uniqueID, Action: string(action), Payload: raw}, nil
}

// NewCallResult 构造CALLRESULT帧
func NewCallResult(uniqueID string, payload interface{}) (*Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{MessageType: ocpp16.CallResult, UniqueID: uniqueID, Payload: raw}, nil
}

// NewCallError 构造CALLERROR帧，details为nil时输出{}
func NewCallError(uniqueID string, code ocpp16.ErrorCode, description string, details interface{}) (*Frame, error) {
	raw, err := marshalPayload(details)
	if err != nil {
		return nil, err
	}
	return &Frame{
		MessageType:      ocpp16.CallError,
		UniqueID:         uniqueID,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     raw,
	}, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		return orEmpty(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &FrameError{Message: "failed to marshal payload", Cause: err}
	}
	return data, nil
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return emptyObject
	}
	return raw
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
