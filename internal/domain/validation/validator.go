package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxChargePointIDLength 充电桩标识最大长度
const MaxChargePointIDLength = 48

var chargePointIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

// Validator OCPP载荷验证器，可并发使用
type Validator struct {
	validate *validator.Validate
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error 实现error接口
func (e ValidationError) Error() string {
	return e.Message
}

// ValidationErrors 验证错误集合
type ValidationErrors []ValidationError

// Error 实现error接口
func (e ValidationErrors) Error() string {
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Message)
	}
	return strings.Join(messages, "; ")
}

// NewValidator 创建新的验证器
func NewValidator() *Validator {
	validate := validator.New()

	// 错误信息中使用JSON字段名，与线上报文保持一致
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	return &Validator{
		validate: validate,
	}
}

// ValidateStruct 验证结构体
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	validatorErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationError{Field: "payload", Tag: "invalid", Message: err.Error()}
	}

	validationErrors := make(ValidationErrors, 0, len(validatorErrors))
	for _, validatorError := range validatorErrors {
		validationErrors = append(validationErrors, ValidationError{
			Field:   validatorError.Field(),
			Tag:     validatorError.Tag(),
			Value:   fmt.Sprintf("%v", validatorError.Value()),
			Message: getErrorMessage(validatorError),
		})
	}
	return validationErrors
}

// DecodePayload 将CALL载荷解码到target并做结构校验，任一步失败都视为格式违规
func (v *Validator) DecodePayload(payload json.RawMessage, target interface{}) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return ValidationError{
			Field:   "payload",
			Tag:     "json",
			Message: fmt.Sprintf("Payload does not match schema: %v", err),
		}
	}
	return v.ValidateStruct(target)
}

// getErrorMessage 获取友好的错误消息
func getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", fe.Field())
	case "min":
		return fmt.Sprintf("Field '%s' must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("Field '%s' must not exceed %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("Field '%s' must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("Field '%s' failed validation for tag '%s'", fe.Field(), fe.Tag())
	}
}

// ValidateChargePointID 验证充电桩ID（取自WebSocket路径）
func (v *Validator) ValidateChargePointID(chargePointID string) error {
	if chargePointID == "" {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "required",
			Message: "Charge point ID is required",
		}
	}

	if len(chargePointID) > MaxChargePointIDLength {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "max",
			Value:   chargePointID,
			Message: fmt.Sprintf("Charge point ID must not exceed %d characters", MaxChargePointIDLength),
		}
	}

	if !chargePointIDPattern.MatchString(chargePointID) {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "format",
			Value:   chargePointID,
			Message: "Charge point ID can only contain alphanumeric characters and . _ : -",
		}
	}

	return nil
}
