// Package limitstream caps the number of bytes that flow through a chunked
// stream. The check is chunk based: a chunk that would cross the limit is
// withheld in full, never truncated.
package limitstream

import "fmt"

// Policy decides what a Stage does with the chunk that would exceed its limit.
type Policy int

const (
	// Terminate ends the stream normally without forwarding the chunk.
	Terminate Policy = iota
	// Fail aborts the stream with a *SizeLimitError.
	Fail
)

func (p Policy) String() string {
	switch p {
	case Terminate:
		return "terminate"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Action tells the caller of Process what to do with a chunk.
type Action int

const (
	// Forward passes the chunk downstream unchanged.
	Forward Action = iota
	// Stop withholds the chunk and ends the stream normally.
	Stop
	// Drop withholds the chunk; the accompanying error ends the stream.
	Drop
)

// State is the lifecycle position of a Stage.
type State int

const (
	// Active accepts chunks.
	Active State = iota
	// Completed means the producer ended the stream.
	Completed
	// Terminated means the limit ended the stream under Terminate.
	Terminated
	// Failed means the limit aborted the stream under Fail.
	Failed
	// Cancelled means the stream was abandoned from outside.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stage enforces an upper bound on the cumulative bytes of one stream.
// It is not safe for concurrent use and must not be reused for a second stream.
type Stage struct {
	limit  int64
	policy Policy

	total int64
	state State
	err   error
}

// NewStage returns a Stage that forwards at most limit bytes.
func NewStage(limit int64, policy Policy) (*Stage, error) {
	if limit < 0 {
		return nil, &ConfigError{Field: "limit", Value: limit}
	}
	if policy != Terminate && policy != Fail {
		return nil, &ConfigError{Field: "policy", Value: policy}
	}
	return &Stage{limit: limit, policy: policy}, nil
}

// Process evaluates the next chunk in arrival order and, when it is
// forwarded, counts it right away.
func (s *Stage) Process(chunk []byte) (Action, error) {
	action, err := s.Check(chunk)
	if action == Forward {
		s.Commit(len(chunk))
	}
	return action, err
}

// Check evaluates the next chunk without counting it. A chunk that would
// cross the limit still ends the stream. Callers that forward the chunk
// themselves report the delivered bytes with Commit.
func (s *Stage) Check(chunk []byte) (Action, error) {
	if s.state != Active {
		return s.replay()
	}

	if int64(len(chunk)) <= s.limit-s.total {
		return Forward, nil
	}

	switch s.policy {
	case Fail:
		s.finish(Failed, &SizeLimitError{Limit: s.limit})
	case Terminate:
		s.finish(Terminated, nil)
	}
	return s.replay()
}

// Commit adds n delivered bytes of a chunk that Check accepted.
func (s *Stage) Commit(n int) {
	if n > 0 {
		s.total += int64(n)
	}
}

// replay reports the outcome of a stage that already left the active state.
func (s *Stage) replay() (Action, error) {
	switch s.state {
	case Terminated:
		return Stop, nil
	case Failed, Cancelled:
		return Drop, s.err
	default:
		return Drop, ErrStreamClosed
	}
}

func (s *Stage) finish(state State, err error) {
	if s.state != Active {
		return
	}
	s.state = state
	s.err = err
}

// Complete records that the producer ended the stream normally.
func (s *Stage) Complete() {
	s.finish(Completed, nil)
}

// Cancel records external cancellation. Later chunks are rejected with ErrCancelled.
func (s *Stage) Cancel() {
	s.finish(Cancelled, ErrCancelled)
}

// Forwarded returns the number of bytes forwarded so far.
func (s *Stage) Forwarded() int64 { return s.total }

// Limit returns the configured byte limit.
func (s *Stage) Limit() int64 { return s.limit }

// Policy returns the configured overflow policy.
func (s *Stage) Policy() Policy { return s.policy }

// State returns the current lifecycle state.
func (s *Stage) State() State { return s.state }

// Done reports whether the stage reached a terminal state.
func (s *Stage) Done() bool { return s.state != Active }

// Err returns the error that ended the stream, if any.
func (s *Stage) Err() error { return s.err }
