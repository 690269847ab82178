package agent

import "errors"

// ModelError is the umbrella error for failures inside the generation
// loop. It is fired on the event bus before being returned.
type ModelError struct {
	Message string
	Err     error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ModelError) Unwrap() error { return e.Err }

// ErrInterrupted reports a run ended by Stop before a reply was
// produced. It is a sentinel outcome rather than a failure: the run
// fires ModelInterrupt and no ModelReply.
var ErrInterrupted = errors.New("generation interrupted")
