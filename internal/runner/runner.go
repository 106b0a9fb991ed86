// Package runner executes one job attempt: a generated shell script run by
// an executor inside a prepared workspace.
package runner

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/pipeline"
)

const (
	// MaxOutputBytes caps the output kept per attempt.
	MaxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// ExitCanceled is the exit status of a script that stopped at a
	// cancellation checkpoint.
	ExitCanceled = 199

	// DefaultAfterScriptTimeout bounds after_script when the job sets no timeout.
	DefaultAfterScriptTimeout = 5 * time.Minute
)

// Request describes one attempt.
type Request struct {
	PipelineID string
	Job        string
	Attempt    int
	// BuildDir is the job's project checkout. Scripts run here.
	BuildDir string
	// MetaDir holds generated scripts and the cancel marker. It lives
	// outside BuildDir so artifact globs never see it.
	MetaDir      string
	Image        string
	Entrypoint   []string
	BeforeScript []string
	Script       []string
	AfterScript  []string
	// Env holds KEY=VALUE pairs for the job.
	Env     []string
	Timeout time.Duration
	// Output, when set, receives the live output in addition to capture.
	Output io.Writer
	// Coverage is matched line by line against the whole output, not just
	// the stored part.
	Coverage *regexp.Regexp
}

// CancelFile is the marker whose presence stops the script at the next
// command boundary.
func (r Request) CancelFile() string { return filepath.Join(r.MetaDir, "cancel") }

// Result is the outcome of an attempt.
type Result struct {
	// ExitCode is -1 when the process never produced one.
	ExitCode  int
	Reason    pipeline.FailureReason
	Output    []byte
	Truncated bool
	// Coverage is the percentage from the last line matching
	// Request.Coverage, nil when no line matched.
	Coverage *float64
	Started   time.Time
	Duration  time.Duration
	Err       error
}

// Succeeded reports a zero exit with no runner error.
func (r Result) Succeeded() bool { return r.Err == nil && r.Reason == "" && r.ExitCode == 0 }

// Executor runs attempts.
type Executor interface {
	Name() string
	Run(ctx context.Context, req Request) Result
}

// cappedBuffer keeps the first MaxOutputBytes written and counts the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
	tee       io.Writer
	cov       *coverageScanner
}

func newCappedBuffer(limit int, tee io.Writer) *cappedBuffer {
	return &cappedBuffer{limit: limit, tee: tee}
}

// newAttemptOutput returns the capture buffer for req, scanning for
// coverage when the request asks for it.
func newAttemptOutput(req Request) *cappedBuffer {
	b := newCappedBuffer(MaxOutputBytes, req.Output)
	if req.Coverage != nil {
		b.cov = &coverageScanner{re: req.Coverage}
	}
	return b
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tee != nil {
		_, _ = b.tee.Write(p)
	}
	if b.cov != nil {
		b.cov.write(p)
	}
	room := b.limit - len(b.buf)
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
	default:
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...), b.truncated
}

// Coverage returns the last coverage match seen, including a trailing line
// without a newline.
func (b *cappedBuffer) Coverage() *float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cov == nil {
		return nil
	}
	b.cov.flush()
	return b.cov.last
}

// maxCoverageLine bounds the pending line. Longer lines keep their tail.
const maxCoverageLine = 4096

type coverageScanner struct {
	re   *regexp.Regexp
	line []byte
	last *float64
}

func (s *coverageScanner) write(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			s.line = append(s.line, p...)
			if n := len(s.line); n > maxCoverageLine {
				s.line = append(s.line[:0], s.line[n-maxCoverageLine:]...)
			}
			return
		}
		s.line = append(s.line, p[:i]...)
		s.flush()
		p = p[i+1:]
	}
}

func (s *coverageScanner) flush() {
	if len(s.line) == 0 {
		return
	}
	if v, ok := ParseCoverage(s.re, s.line); ok {
		s.last = &v
	}
	s.line = s.line[:0]
}

var numberRE = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseCoverage applies re to output and returns the percentage from the
// last match. The first capture group is used when present.
func ParseCoverage(re *regexp.Regexp, output []byte) (float64, bool) {
	if re == nil {
		return 0, false
	}
	matches := re.FindAllSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, false
	}
	last := matches[len(matches)-1]
	text := last[0]
	if len(last) > 1 && len(last[1]) > 0 {
		text = last[1]
	}
	num := numberRE.Find(text)
	if num == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(num), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
