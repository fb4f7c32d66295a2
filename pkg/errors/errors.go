package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeConcurrencyConflict  Code = "CONCURRENCY_CONFLICT"
	CodeMessageNotFound      Code = "MESSAGE_NOT_FOUND_AFTER_WRITE"
	CodePublishFailure       Code = "PUBLISH_FAILURE"
	CodeHandlerFailure       Code = "HANDLER_FAILURE"
	CodeDuplicateConsumption Code = "DUPLICATE_CONSUMPTION"
	CodeGroupAlreadyExists   Code = "GROUP_ALREADY_EXISTS"
	CodeUnknownMessageType   Code = "UNKNOWN_MESSAGE_TYPE"
	CodeInternal             Code = "INTERNAL_ERROR"
	CodeDependency           Code = "DEPENDENCY_ERROR"
)

type Metadata struct {
	Retryable     bool
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		Retryable:     false,
		PublicMessage: "validation failed",
	},
	CodeConcurrencyConflict: {
		Retryable:     false,
		PublicMessage: "stream was modified concurrently",
	},
	CodeMessageNotFound: {
		Retryable:     false,
		PublicMessage: "written message could not be read back",
	},
	CodePublishFailure: {
		Retryable:     true,
		PublicMessage: "broker rejected publish",
	},
	CodeHandlerFailure: {
		Retryable:     true,
		PublicMessage: "message handler failed",
	},
	CodeDuplicateConsumption: {
		Retryable:     false,
		PublicMessage: "message already consumed",
	},
	CodeGroupAlreadyExists: {
		Retryable:     false,
		PublicMessage: "consumer group already exists",
	},
	CodeUnknownMessageType: {
		Retryable:     false,
		PublicMessage: "message type is not registered",
	},
	CodeInternal: {
		Retryable:     true,
		PublicMessage: "internal error",
	},
	CodeDependency: {
		Retryable:     true,
		PublicMessage: "dependency unavailable",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// Is reports whether any typed error in err's chain carries code.
func Is(err error, code Code) bool {
	for err != nil {
		typed := As(err)
		if typed == nil {
			return false
		}
		if typed.code == code {
			return true
		}
		err = typed.cause
	}
	return false
}
