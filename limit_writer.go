package limitstream

import (
	"io"
)

// A Writer passes every Write call to W as one chunk, as long as the
// cumulative size stays within the stage's limit. After the stage stops the
// stream, writes fail with ErrStreamClosed and W receives nothing further.
type Writer struct {
	W     io.Writer
	Stage *Stage
}

// NewWriter wraps w with a fresh stage.
func NewWriter(w io.Writer, limit int64, policy Policy) (*Writer, error) {
	stage, err := NewStage(limit, policy)
	if err != nil {
		return nil, err
	}
	return &Writer{W: w, Stage: stage}, nil
}

func (lw *Writer) Write(p []byte) (int, error) {
	action, err := lw.Stage.Check(p)
	switch action {
	case Forward:
		n, err := lw.W.Write(p)
		lw.Stage.Commit(n)
		return n, err
	case Stop:
		return 0, ErrStreamClosed
	default:
		return 0, err
	}
}

// Close completes the stage and closes W if it is an io.Closer.
func (lw *Writer) Close() error {
	lw.Stage.Complete()
	if c, ok := lw.W.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
