// Package report parses the test and coverage reports a job publishes.
package report

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/rules"
)

// Kind names a report format.
type Kind string

const (
	KindJUnit     Kind = "junit"
	KindCobertura Kind = "cobertura"
)

// ErrUnsupportedFormat is returned for coverage formats other than cobertura.
var ErrUnsupportedFormat = errors.New("unsupported coverage format")

// TestSummary aggregates the suites of one or more JUnit files.
type TestSummary struct {
	Tests    int      `json:"tests"`
	Failures int      `json:"failures"`
	Errors   int      `json:"errors"`
	Skipped  int      `json:"skipped"`
	Time     float64  `json:"time_seconds"`
	Failed   []string `json:"failed,omitempty"`
}

// Passed is the number of tests that neither failed, errored nor skipped.
func (s TestSummary) Passed() int {
	n := s.Tests - s.Failures - s.Errors - s.Skipped
	if n < 0 {
		return 0
	}
	return n
}

// Add merges o into s.
func (s *TestSummary) Add(o TestSummary) {
	s.Tests += o.Tests
	s.Failures += o.Failures
	s.Errors += o.Errors
	s.Skipped += o.Skipped
	s.Time += o.Time
	s.Failed = append(s.Failed, o.Failed...)
}

// Coverage is the line rate of a Cobertura report, as a percentage.
type Coverage struct {
	Format       string  `json:"format"`
	Percent      float64 `json:"percent"`
	LinesValid   int     `json:"lines_valid,omitempty"`
	LinesCovered int     `json:"lines_covered,omitempty"`
}

// Report is everything parsed for one job.
type Report struct {
	Tests    *TestSummary `json:"tests,omitempty"`
	Coverage *Coverage    `json:"coverage,omitempty"`
}

// Empty reports whether nothing was parsed.
func (r Report) Empty() bool { return r.Tests == nil && r.Coverage == nil }

// maxFailedNames bounds the failed test names kept per summary.
const maxFailedNames = 50

type junitSuites struct {
	XMLName  xml.Name
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Time     string       `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
	Cases    []junitCase  `xml:"testcase"`
}

type junitSuite struct {
	Name     string       `xml:"name,attr"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Disabled int          `xml:"disabled,attr"`
	Time     string       `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
	Cases    []junitCase  `xml:"testcase"`
}

type junitCase struct {
	Name      string    `xml:"name,attr"`
	ClassName string    `xml:"classname,attr"`
	Time      string    `xml:"time,attr"`
	Failure   *struct{} `xml:"failure"`
	Error     *struct{} `xml:"error"`
	Skipped   *struct{} `xml:"skipped"`
}

// ParseJUnit reads a JUnit XML document. Both a <testsuites> root and a bare
// <testsuite> root are accepted. Counts come from the test cases when a
// suite has any, and from the suite attributes otherwise.
func ParseJUnit(r io.Reader) (TestSummary, error) {
	var doc junitSuites
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return TestSummary{}, fmt.Errorf("decode junit: %w", err)
	}

	switch doc.XMLName.Local {
	case "testsuites":
		var sum TestSummary
		for _, s := range doc.Suites {
			sum.Add(summarizeSuite(s))
		}
		if len(doc.Suites) == 0 {
			sum = TestSummary{Tests: doc.Tests, Failures: doc.Failures, Errors: doc.Errors, Skipped: doc.Skipped, Time: parseSeconds(doc.Time)}
		}
		sum.Failed = capNames(sum.Failed)
		return sum, nil
	case "testsuite":
		sum := summarizeSuite(junitSuite{
			Tests: doc.Tests, Failures: doc.Failures, Errors: doc.Errors, Skipped: doc.Skipped,
			Time: doc.Time, Suites: doc.Suites, Cases: doc.Cases,
		})
		sum.Failed = capNames(sum.Failed)
		return sum, nil
	default:
		return TestSummary{}, fmt.Errorf("decode junit: unexpected root element <%s>", doc.XMLName.Local)
	}
}

func summarizeSuite(s junitSuite) TestSummary {
	var sum TestSummary
	for _, child := range s.Suites {
		sum.Add(summarizeSuite(child))
	}
	if len(s.Cases) == 0 {
		if len(s.Suites) == 0 {
			sum = TestSummary{
				Tests: s.Tests, Failures: s.Failures, Errors: s.Errors,
				Skipped: s.Skipped + s.Disabled, Time: parseSeconds(s.Time),
			}
		}
		return sum
	}

	caseTime := 0.0
	for _, c := range s.Cases {
		sum.Tests++
		caseTime += parseSeconds(c.Time)
		switch {
		case c.Failure != nil:
			sum.Failures++
			sum.Failed = append(sum.Failed, caseName(c))
		case c.Error != nil:
			sum.Errors++
			sum.Failed = append(sum.Failed, caseName(c))
		case c.Skipped != nil:
			sum.Skipped++
		}
	}
	if t := parseSeconds(s.Time); t > 0 {
		sum.Time += t
	} else {
		sum.Time += caseTime
	}
	return sum
}

func caseName(c junitCase) string {
	if c.ClassName == "" {
		return c.Name
	}
	return c.ClassName + "." + c.Name
}

func capNames(names []string) []string {
	if len(names) > maxFailedNames {
		return names[:maxFailedNames]
	}
	return names
}

func parseSeconds(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

type coberturaDoc struct {
	XMLName      xml.Name `xml:"coverage"`
	LineRate     string   `xml:"line-rate,attr"`
	LinesValid   int      `xml:"lines-valid,attr"`
	LinesCovered int      `xml:"lines-covered,attr"`
}

// ParseCobertura reads the root line-rate of a Cobertura XML document.
func ParseCobertura(r io.Reader) (Coverage, error) {
	var doc coberturaDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return Coverage{}, fmt.Errorf("decode cobertura: %w", err)
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(doc.LineRate), 64)
	if err != nil {
		if doc.LinesValid <= 0 {
			return Coverage{}, fmt.Errorf("decode cobertura: missing line-rate")
		}
		rate = float64(doc.LinesCovered) / float64(doc.LinesValid)
	}
	if rate < 0 || rate > 1 {
		return Coverage{}, fmt.Errorf("decode cobertura: line-rate %v out of range", rate)
	}
	return Coverage{
		Format:       string(KindCobertura),
		Percent:      roundPercent(rate * 100),
		LinesValid:   doc.LinesValid,
		LinesCovered: doc.LinesCovered,
	}, nil
}

func roundPercent(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// Collect parses the reports declared by spec from dir, usually a job's
// build directory after its script ran. JUnit patterns may be globs. A
// declared report that matches no file is not an error.
func Collect(dir string, spec pipeline.Reports) (Report, error) {
	var out Report
	var errs []error

	if len(spec.JUnit) > 0 {
		files, err := matchFiles(dir, spec.JUnit)
		if err != nil {
			return out, err
		}
		if len(files) > 0 {
			sum := TestSummary{}
			for _, f := range files {
				s, err := parseFile(f, ParseJUnit)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				sum.Add(s)
			}
			sum.Failed = capNames(sum.Failed)
			out.Tests = &sum
		}
	}

	if cr := spec.CoverageReport; cr != nil {
		if !strings.EqualFold(cr.Format, string(KindCobertura)) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnsupportedFormat, cr.Format))
		} else {
			files, err := matchFiles(dir, []string{cr.Path})
			if err != nil {
				return out, err
			}
			if len(files) > 0 {
				cov, err := parseFile(files[0], ParseCobertura)
				if err != nil {
					errs = append(errs, err)
				} else {
					out.Coverage = &cov
				}
			}
		}
	}
	return out, errors.Join(errs...)
}

func parseFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("open report: %w", err)
	}
	defer f.Close()
	v, err := parse(f)
	if err != nil {
		return v, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return v, nil
}

// matchFiles resolves patterns relative to dir. Results are sorted and
// unique.
func matchFiles(dir string, patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pat := range patterns {
			if rules.MatchGlob(strings.TrimPrefix(pat, "./"), rel) && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find reports: %w", err)
	}
	return out, nil
}
