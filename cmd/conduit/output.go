package main

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// jobOutput interleaves the live output of concurrent jobs line by line,
// each line prefixed with its job name.
type jobOutput struct {
	mu  sync.Mutex
	out io.Writer
}

func newJobOutput(out io.Writer) *jobOutput {
	return &jobOutput{out: out}
}

// For returns the writer for one job attempt. runID is unused: a local run
// has one pipeline.
func (o *jobOutput) For(_ string, job string) io.Writer {
	return &prefixWriter{parent: o, prefix: fmt.Sprintf("[%s] ", job)}
}

type prefixWriter struct {
	parent *jobOutput
	prefix string
	buf    []byte
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if err := w.emit(w.buf[:i+1]); err != nil {
			return 0, err
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (w *prefixWriter) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	line := append(w.buf, '\n')
	w.buf = nil
	return w.emit(line)
}

func (w *prefixWriter) emit(line []byte) error {
	w.parent.mu.Lock()
	defer w.parent.mu.Unlock()
	if _, err := io.WriteString(w.parent.out, w.prefix); err != nil {
		return err
	}
	_, err := w.parent.out.Write(line)
	return err
}
