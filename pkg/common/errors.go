package common

import "errors"

var (
	// ErrMalformedRecord 原始记录缺字段或无法解析
	ErrMalformedRecord = errors.New("malformed record")

	// ErrUnknownSpell 技能不在目录中
	ErrUnknownSpell = errors.New("unknown spell")

	// ErrIncompatibleSpell 技能类别与事件类型不符
	ErrIncompatibleSpell = errors.New("incompatible spell category")

	// ErrDuplicateActiveCast 同一 (施法者, 技能) 已有未过期的施法
	ErrDuplicateActiveCast = errors.New("duplicate active cast")

	// ErrNoActiveCast 没有匹配的施法
	ErrNoActiveCast = errors.New("no active cast")

	// ErrStaleResolution 结算时间早于施法开始时间
	ErrStaleResolution = errors.New("stale resolution")

	// ErrUnmatchedInterrupt 打断没有找到施法
	ErrUnmatchedInterrupt = errors.New("unmatched interrupt")

	// ErrUnmatchedSteal 偷取没有找到施法
	ErrUnmatchedSteal = errors.New("unmatched steal")

	// ErrUnmatchedCompletion 施法成功没有找到施法
	ErrUnmatchedCompletion = errors.New("unmatched completion")

	// ErrNotConnected 未连接错误
	ErrNotConnected = errors.New("not connected")

	// ErrClosed 已关闭
	ErrClosed = errors.New("closed")
)

// 错误码
const (
	CodeMalformedRecord     = "MALFORMED_RECORD"
	CodeUnknownSpell        = "UNKNOWN_SPELL"
	CodeIncompatibleSpell   = "INCOMPATIBLE_SPELL"
	CodeDuplicateActiveCast = "DUPLICATE_ACTIVE_CAST"
	CodeNoActiveCast        = "NO_ACTIVE_CAST"
	CodeStaleResolution     = "STALE_RESOLUTION"
	CodeUnmatched           = "UNMATCHED_RESOLUTION"
)

// AppError 应用错误
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError 创建应用错误
func NewAppError(code string, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCategory 错误分类
type ErrorCategory string

const (
	CategoryNone      ErrorCategory = ""
	CategoryDecode    ErrorCategory = "decode"
	CategoryConflict  ErrorCategory = "conflict"
	CategoryUnmatched ErrorCategory = "unmatched"
	CategoryOther     ErrorCategory = "other"
)

// Classify 按处理策略对错误分类
func Classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrMalformedRecord),
		errors.Is(err, ErrUnknownSpell),
		errors.Is(err, ErrIncompatibleSpell):
		return CategoryDecode
	case errors.Is(err, ErrUnmatchedInterrupt),
		errors.Is(err, ErrUnmatchedSteal),
		errors.Is(err, ErrUnmatchedCompletion):
		return CategoryUnmatched
	case errors.Is(err, ErrDuplicateActiveCast),
		errors.Is(err, ErrStaleResolution),
		errors.Is(err, ErrNoActiveCast):
		return CategoryConflict
	default:
		return CategoryOther
	}
}
