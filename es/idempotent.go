package es

// Idempotent is the result of a command on an entity. Executed carries the effect of newly
// appended events; Ignored means the entity was already in the requested state. Errors travel
// separately as the usual second return value.
type Idempotent[T any] struct {
	executed bool
	value    T
}

func Executed[T any](value T) Idempotent[T] {
	return Idempotent[T]{executed: true, value: value}
}

func Ignored[T any]() Idempotent[T] {
	return Idempotent[T]{}
}

func (i Idempotent[T]) DidExecute() bool { return i.executed }

func (i Idempotent[T]) WasIgnored() bool { return !i.executed }

// Value returns the effect and whether the command executed.
func (i Idempotent[T]) Value() (T, bool) {
	return i.value, i.executed
}

// MustValue returns the effect of an executed command and panics on Ignored.
func (i Idempotent[T]) MustValue() T {
	if !i.executed {
		panic("es: MustValue called on ignored result")
	}
	return i.value
}
