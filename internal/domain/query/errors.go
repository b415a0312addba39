package query

import (
	"errors"
	"fmt"
)

// Kind 错误类别。调用方只按 Kind 分支，不解析错误文本。
type Kind string

const (
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindValidation Kind = "validation"
	KindTimeout    Kind = "timeout"
	KindNotFound   Kind = "not_found"
)

// Stage 流水线阶段标识，用于错误定位和进度事件。
type Stage string

const (
	StageCacheCheck Stage = "cache_check"
	StageSearch     Stage = "search"
	StageStructure  Stage = "structure"
	StageEnrich     Stage = "enrich"
	StagePersist    Stage = "persist"
)

// Error 带类别标签的流水线错误。
type Error struct {
	Kind     Kind
	Stage    Stage
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	prefix := string(e.Stage)
	if e.Provider != "" {
		prefix = fmt.Sprintf("%s[%s]", e.Stage, e.Provider)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New 构造一个带类别的错误。
func New(kind Kind, stage Stage, message string) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message}
}

// Newf 构造一个带格式化消息的错误。
func Newf(kind Kind, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误并打上类别标签。
func Wrap(kind Kind, stage Stage, message string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Cause: cause}
}

// KindOf 提取错误类别。非本包错误一律视为 transient。
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindTransient
}

// StageOf 提取错误发生的阶段，未知时返回空。
func StageOf(err error) Stage {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Stage
	}
	return ""
}
