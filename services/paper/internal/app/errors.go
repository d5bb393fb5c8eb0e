package app

import (
	"errors"
	"fmt"

	"sciecho/pkg/domain"
	"sciecho/pkg/quota"
)

// Kind classifies a failed request.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindPreconditionFailed Kind = "precondition_failed"
	KindUpstreamFailure    Kind = "upstream_failure"
	// KindPartialFailure means the engine succeeded but a later write failed;
	// the stored document and the quota counters may disagree.
	KindPartialFailure   Kind = "partial_failure"
	KindStoreUnavailable Kind = "store_unavailable"
)

// ReasonNoDocument is the precondition reason for a question without a paper.
const ReasonNoDocument = "no-document"

// Error is the typed failure returned by App operations.
type Error struct {
	Kind   Kind
	Quota  quota.Kind
	Reason string
	// Usage is set when the counters at failure time are known.
	Usage *domain.Usage
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	switch {
	case e.Quota != "":
		msg += " (" + string(e.Quota) + ")"
	case e.Reason != "":
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Quota and Reason when the target sets them.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Quota != "" && t.Quota != e.Quota {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrPayloadTooLarge       = &Error{Kind: KindPayloadTooLarge}
	ErrQuotaExceeded         = &Error{Kind: KindQuotaExceeded}
	ErrUploadQuotaExceeded   = &Error{Kind: KindQuotaExceeded, Quota: quota.KindUpload}
	ErrQuestionQuotaExceeded = &Error{Kind: KindQuotaExceeded, Quota: quota.KindQuestion}
	ErrNoDocument            = &Error{Kind: KindPreconditionFailed, Reason: ReasonNoDocument}
	ErrUpstreamFailure       = &Error{Kind: KindUpstreamFailure}
	ErrPartialFailure        = &Error{Kind: KindPartialFailure}
	ErrStoreUnavailable      = &Error{Kind: KindStoreUnavailable}
)

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func invalidInput(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}

func quotaExceeded(kind quota.Kind, usage domain.Usage) error {
	return &Error{
		Kind:  KindQuotaExceeded,
		Quota: kind,
		Usage: &usage,
		Err:   fmt.Errorf("daily %s limit reached", kind),
	}
}

func storeUnavailable(op string, err error) error {
	return &Error{Kind: KindStoreUnavailable, Err: fmt.Errorf("%s: %w", op, err)}
}

func upstreamFailure(op string, err error) error {
	return &Error{Kind: KindUpstreamFailure, Err: fmt.Errorf("%s: %w", op, err)}
}

func partialFailure(op string, usage *domain.Usage, err error) error {
	return &Error{Kind: KindPartialFailure, Usage: usage, Err: fmt.Errorf("%s: %w", op, err)}
}
