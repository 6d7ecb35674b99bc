package base

import (
	"errors"
	"fmt"
)

var ErrInsufficientData = errors.New("insufficient data")
var ErrNotAssociated = errors.New("association is not established")
var ErrInvalidFrame = errors.New("invalid frame")
var ErrNoTransaction = errors.New("no long transaction in progress")
var ErrServerClosed = errors.New("server closed")
var ErrFrameCounter = errors.New("invocation counter replayed")

// ErrorKind is the closed set of failure classes the protocol core reports.
type ErrorKind byte

const (
	KindUnknown ErrorKind = iota
	KindInsufficientData
	KindInvalidBlockNumber
	KindNoTransaction
	KindUndefinedObject
	KindAccessDenied
	KindHardwareFault
	KindInconsistentClass
	KindMalformed
	KindInvalidFrame
	KindNotAssociated
	KindRange
	KindCipher
)

func (k ErrorKind) String() string {
	switch k {
	case KindInsufficientData:
		return "insufficient-data"
	case KindInvalidBlockNumber:
		return "invalid-block-number"
	case KindNoTransaction:
		return "no-transaction"
	case KindUndefinedObject:
		return "undefined-object"
	case KindAccessDenied:
		return "access-denied"
	case KindHardwareFault:
		return "hardware-fault"
	case KindInconsistentClass:
		return "inconsistent-class"
	case KindMalformed:
		return "malformed"
	case KindInvalidFrame:
		return "invalid-frame"
	case KindNotAssociated:
		return "not-associated"
	case KindRange:
		return "range"
	case KindCipher:
		return "cipher"
	default:
		return "unknown"
	}
}

// Result maps the kind to the data-access-result byte sent back to the client.
func (k ErrorKind) Result() DlmsResultTag {
	switch k {
	case KindInvalidBlockNumber:
		return TagResultDataBlockNumberInvalid
	case KindNoTransaction:
		return TagResultNoLongGetInProgress
	case KindUndefinedObject:
		return TagResultObjectUndefined
	case KindAccessDenied, KindMalformed, KindInsufficientData:
		return TagResultReadWriteDenied
	case KindInconsistentClass:
		return TagResultObjectClassInconsistent
	case KindRange:
		return TagResultTypeUnmatched
	default:
		return TagResultHardwareFault
	}
}

type ProtocolError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, format string, v ...any) error {
	return &ProtocolError{Kind: kind, Err: fmt.Errorf(format, v...)}
}

func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Kind: kind, Err: err}
}

// KindOf returns the kind of the first ProtocolError in the chain, KindUnknown otherwise.
func KindOf(err error) ErrorKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
