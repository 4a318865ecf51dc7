package domain

import "errors"

// ErrorCode is the closed failure taxonomy surfaced to clients. Identifiers
// are stable; adapters map tool-specific exits onto them.
type ErrorCode string

const (
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	CodeVideoUnavailable  ErrorCode = "VIDEO_UNAVAILABLE"
	CodeNetworkError      ErrorCode = "NETWORK_ERROR"
	CodeFormatError       ErrorCode = "FORMAT_ERROR"
	CodeAuthRequired      ErrorCode = "AUTH_REQUIRED"
	CodeNoImagesFound     ErrorCode = "NO_IMAGES_FOUND"
	CodeTweetUnavailable  ErrorCode = "TWEET_UNAVAILABLE"
	CodeUserNotFound      ErrorCode = "USER_NOT_FOUND"
	CodeInvalidURL        ErrorCode = "INVALID_URL"
	CodeWatchdogStall     ErrorCode = "WATCHDOG_STALL"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeDiskFull          ErrorCode = "DISK_FULL"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Retryable reports whether the queue may re-attempt a job that failed with
// this code. INTERNAL_ERROR is retryable and relies on the attempt cap to
// stop after one extra run.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeNetworkError, CodeWatchdogStall, CodeDiskFull, CodeInternalError:
		return true
	}
	return false
}

// CodedError carries a taxonomy code alongside a client-safe message.
type CodedError struct {
	Code    ErrorCode
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// CodeOf extracts the taxonomy code from err, defaulting to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternalError
}
