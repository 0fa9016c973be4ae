package kernel

// ErrorKind classifies a kernel error so that callers can react to a failure
// class without comparing against every error value a package exports.
type ErrorKind uint8

const (
	// KindOutOfMemory indicates that a physical or virtual memory resource
	// has been exhausted.
	KindOutOfMemory ErrorKind = iota + 1

	// KindInvalidArgument indicates a request that can never succeed, e.g.
	// a zero-sized allocation or a misaligned address.
	KindInvalidArgument

	// KindAlreadyMapped indicates an attempt to map a page that is
	// already backed by a live mapping.
	KindAlreadyMapped

	// KindNotMapped indicates an attempt to access or remove a mapping
	// that does not exist.
	KindNotMapped

	// KindAlreadyInitialized indicates a second call to a one-shot
	// initializer.
	KindAlreadyInitialized

	// KindCorruption indicates that an internal invariant no longer holds.
	// Errors of this kind are never recoverable.
	KindCorruption
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out of memory"
	case KindInvalidArgument:
		return "invalid argument"
	case KindAlreadyMapped:
		return "already mapped"
	case KindNotMapped:
		return "not mapped"
	case KindAlreadyInitialized:
		return "already initialized"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the memory allocator reporting the error may be the one
// that failed, so errors.New cannot be used.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The failure class.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Fatal returns true if the error reports a broken internal invariant that
// must halt the system.
func (e *Error) Fatal() bool {
	return e != nil && e.Kind == KindCorruption
}
