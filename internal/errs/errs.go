package errs

import "fmt"

// 机器可读错误码（提供给前端/API 识别）
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionAlreadyActiv = "SESSION_ALREADY_ACTIVE"
	CodeInvalidSessionState = "INVALID_SESSION_STATE"
	CodeHardwareNotConnect  = "HARDWARE_NOT_CONNECTED"
	CodeSocialPosting       = "SOCIAL_POSTING_ERROR"
	CodeMockStartFailed     = "MOCK_START_FAILED"
)

// Error 应用统一错误：携带消息、错误码与结构化细节
type Error struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New 创建应用错误
func New(code, message string) *Error {
	return &Error{Code: code, Message: message, Details: map[string]interface{}{}}
}

// Newf 创建带格式化消息的应用错误
func Newf(code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// With 附加一项细节并返回自身（链式调用）
func (e *Error) With(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ToMap 转换为 API 输出格式
func (e *Error) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"error":      true,
		"error_code": e.Code,
		"message":    e.Message,
		"details":    e.Details,
	}
}

// InvalidSessionState 非法的任务状态转换
func InvalidSessionState(current, action string) *Error {
	return Newf(CodeInvalidSessionState, "cannot %s while session is %s", action, current).
		With("current_state", current).
		With("attempted_action", action)
}

// SessionAlreadyActive 已有任务在执行中
func SessionAlreadyActive(sessionID string) *Error {
	return New(CodeSessionAlreadyActiv, "a focus session is already active").
		With("active_session_id", sessionID)
}

// SessionNotFound 查无进行中的任务
func SessionNotFound() *Error {
	return New(CodeSessionNotFound, "no focus session in progress")
}
