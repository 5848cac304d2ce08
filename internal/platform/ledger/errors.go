package ledger

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONFLICT"
	KindForbidden   Kind = "FORBIDDEN"
	KindBadRequest  Kind = "BAD_REQUEST"
	KindUnavailable Kind = "UNAVAILABLE"
)

// Machine-readable reasons carried by *Error.
const (
	ReasonAccountNotFound        = "ACCOUNT_NOT_FOUND"
	ReasonAccountExists          = "ACCOUNT_EXISTS"
	ReasonAccountInactive        = "ACCOUNT_INACTIVE"
	ReasonNfcTagBound            = "NFC_TAG_BOUND"
	ReasonFestivalNotFound       = "FESTIVAL_NOT_FOUND"
	ReasonFestivalNotOngoing     = "FESTIVAL_NOT_ONGOING"
	ReasonFestivalClosed         = "FESTIVAL_CLOSED"
	ReasonFestivalNotCompleted   = "FESTIVAL_NOT_COMPLETED"
	ReasonInvalidAmount          = "INVALID_AMOUNT"
	ReasonInsufficientBalance    = "INSUFFICIENT_BALANCE"
	ReasonBalanceLimit           = "BALANCE_LIMIT_EXCEEDED"
	ReasonPaymentNotFound        = "PAYMENT_NOT_FOUND"
	ReasonPaymentProcessed       = "PAYMENT_ALREADY_PROCESSED"
	ReasonPaymentPurposeMismatch = "PAYMENT_PURPOSE_MISMATCH"
	ReasonSelfTransfer           = "SELF_TRANSFER"
	ReasonReceiverInactive       = "RECEIVER_INACTIVE"
	ReasonRefundPending          = "REFUND_PENDING"
	ReasonNothingToRefund        = "NOTHING_TO_REFUND"
	ReasonVendorNotFound         = "VENDOR_NOT_FOUND"
	ReasonVendorMismatch         = "VENDOR_MISMATCH"
	ReasonOrderNotFound          = "ORDER_NOT_FOUND"
	ReasonInvalidOrder           = "INVALID_ORDER"
	ReasonInvalidOrderTransition = "INVALID_ORDER_TRANSITION"
	ReasonTransactionNotFound    = "TRANSACTION_NOT_FOUND"
	ReasonInvalidRequest         = "INVALID_REQUEST"
	ReasonLedgerUnavailable      = "LEDGER_UNAVAILABLE"
	ReasonDuplicateRecord        = "DUPLICATE_RECORD"
)

// Error is a domain failure detected before any mutation was applied.
type Error struct {
	Kind     Kind
	Reason   string
	Message  string
	Metadata map[string]string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return e.Reason + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, ErrNotFound) holds
// for every not-found reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrForbidden  = &Error{Kind: KindForbidden}
	ErrBadRequest = &Error{Kind: KindBadRequest}
)

func newError(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func NotFound(reason, format string, args ...any) *Error {
	return newError(KindNotFound, reason, format, args...)
}

func Conflict(reason, format string, args ...any) *Error {
	return newError(KindConflict, reason, format, args...)
}

func Forbidden(reason, format string, args ...any) *Error {
	return newError(KindForbidden, reason, format, args...)
}

func BadRequest(reason, format string, args ...any) *Error {
	return newError(KindBadRequest, reason, format, args...)
}

func (e *Error) With(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// KindOf classifies err. Anything that is not a domain *Error is an
// infrastructure fault.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnavailable
}

// AsError returns the domain error carried by err, wrapping infrastructure
// faults as Unavailable.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindUnavailable, Reason: ReasonLedgerUnavailable, Message: "ledger temporarily unavailable, retry", Err: err}
}
