package httpserver

const (
	ErrInvalidJSON       = "invalid json"
	ErrMissingID         = "missing id"
	ErrDependency        = "dependency error"
	ErrNotFound          = "not found"
	ErrInvalidTransition = "invalid transition"
	ErrInvalidSignature  = "invalid signature"
	ErrInvalidEvent      = "invalid event"
	ErrBodyTooLarge      = "body too large"
	ErrStreaming         = "streaming unsupported"
)
