package protocol

// Error taxonomy carried by ERROR frames. Codes are stable strings that
// adapters may switch on; Recoverable tells the adapter whether a retry
// can possibly succeed.
const (
	// CodeInvalidJSON: the frame was not parseable JSON. Recoverable.
	CodeInvalidJSON ErrorCode = "invalid_json"

	// CodeInvalidMessage: valid JSON failing the frame schema. Recoverable.
	CodeInvalidMessage ErrorCode = "invalid_message"

	// CodeNotRegistered: a frame arrived before REGISTER. Recoverable by
	// registering first.
	CodeNotRegistered ErrorCode = "not_registered"

	// CodeNoProcessor: the gateway has no message processor wired.
	// Misconfiguration; not recoverable by the client.
	CodeNoProcessor ErrorCode = "no_processor"

	// CodeDuplicate: the message fingerprint was seen within the dedup
	// window. Advisory; the client should not retry.
	CodeDuplicate ErrorCode = "duplicate"

	// CodeQueueFull: the channel queue is at capacity. Advisory.
	CodeQueueFull ErrorCode = "queue_full"

	// CodeNotFound: a cancellation target is already terminal. Advisory.
	CodeNotFound ErrorCode = "not_found"

	// CodeProcessingError: the orchestrator failed. Retry is safe but may
	// reproduce the error.
	CodeProcessingError ErrorCode = "processing_error"

	// CodeUnauthorized: registration secret mismatch.
	CodeUnauthorized ErrorCode = "unauthorized"

	// CodeInternal: unclassified failure, logged with stack trace.
	CodeInternal ErrorCode = "internal_error"
)

// NewError builds an ERROR frame for a request.
func NewError(requestID string, code ErrorCode, message string, recoverable bool) *Error {
	return &Error{
		Envelope:    NewEnvelope(TypeError, requestID),
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	}
}
