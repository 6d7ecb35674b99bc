package dlmsal

import "github.com/cybroslabs/libdlms-server-go/base"

func exceptionResponse(state base.ExceptionStateError, service base.ExceptionServiceError) []byte {
	return []byte{byte(base.TagExceptionResponse), byte(state), byte(service)}
}

// ExceptionResponse builds the reply to an APDU the server cannot process at all.
func ExceptionResponse(state base.ExceptionStateError, service base.ExceptionServiceError) []byte {
	return exceptionResponse(state, service)
}

// InvocationCounterError is the exception sent for a replayed protected APDU.
func InvocationCounterError(expected uint32) []byte {
	return []byte{byte(base.TagExceptionResponse), byte(base.ExceptionStateServiceNotAllowed), byte(base.ExceptionServiceInvocationCounterError),
		byte(expected >> 24), byte(expected >> 16), byte(expected >> 8), byte(expected)}
}

// ConfirmedServiceError builds confirmed-service-error with one service error choice.
func ConfirmedServiceError(service base.ConfirmedServiceErrorTag, kind base.ServiceError, value byte) []byte {
	return []byte{byte(base.TagConfirmedServiceError), byte(service), byte(kind), value}
}

// notAssociatedError answers data requests received before the association.
func notAssociatedError() []byte {
	return ConfirmedServiceError(base.ConfirmedServiceErrorInitiate, base.ServiceErrorService, base.ServiceUnsupported)
}
