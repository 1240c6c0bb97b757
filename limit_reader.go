package limitstream

import (
	"io"
)

// A Reader reads from R and passes every result of R.Read through Stage as
// one chunk. Once the stage stops the stream, Read returns io.EOF; under the
// Fail policy it returns the *SizeLimitError instead. Errors from R are
// returned unchanged.
type Reader struct {
	R     io.Reader // underlying reader
	Stage *Stage
}

// NewReader wraps r with a fresh stage.
func NewReader(r io.Reader, limit int64, policy Policy) (*Reader, error) {
	stage, err := NewStage(limit, policy)
	if err != nil {
		return nil, err
	}
	return &Reader{R: r, Stage: stage}, nil
}

func (l *Reader) Read(p []byte) (n int, err error) {
	if l.Stage.Done() {
		return 0, l.terminalErr()
	}

	n, err = l.R.Read(p)
	if n > 0 {
		switch action, serr := l.Stage.Process(p[:n]); action {
		case Forward:
		case Stop:
			return 0, io.EOF
		default:
			return 0, serr
		}
	}
	if err == io.EOF {
		l.Stage.Complete()
	}
	return n, err
}

func (l *Reader) terminalErr() error {
	switch l.Stage.State() {
	case Completed, Terminated:
		return io.EOF
	default:
		return l.Stage.Err()
	}
}

// A ReadCloser is a Reader that also closes the underlying reader.
type ReadCloser struct {
	Reader
	io.Closer
}

// NewReadCloser wraps rc with a fresh stage.
func NewReadCloser(rc io.ReadCloser, limit int64, policy Policy) (*ReadCloser, error) {
	r, err := NewReader(rc, limit, policy)
	if err != nil {
		return nil, err
	}
	return &ReadCloser{Reader: *r, Closer: rc}, nil
}

// Close cancels the stage if the stream is still running and closes the
// underlying reader.
func (l *ReadCloser) Close() error {
	l.Stage.Cancel()
	return l.Closer.Close()
}
