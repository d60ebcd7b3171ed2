// Package report renders an execution report to the supported output
// formats and writes it to disk under a timestamped filename.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opsverify/conncheck/internal/result"
)

// Format selects an output renderer.
type Format string

const (
	// FormatJSON emits the raw result model.
	FormatJSON Format = "json"
	// FormatJUnit emits JUnit XML for CI ingestion.
	FormatJUnit Format = "junit"
	// FormatHTML emits a standalone summary page.
	FormatHTML Format = "html"
)

// Formats lists the supported output formats.
func Formats() []Format {
	return []Format{FormatJSON, FormatJUnit, FormatHTML}
}

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatJSON, FormatJUnit, FormatHTML:
		return Format(name), nil
	default:
		return "", fmt.Errorf("unknown report format %q (have: %v)", name, Formats())
	}
}

func (f Format) extension() string {
	if f == FormatJUnit {
		return "xml"
	}
	return string(f)
}

// Render writes the report to w in the given format.
func Render(w io.Writer, f Format, r *result.TestExecutionReport) error {
	switch f {
	case FormatJSON:
		return renderJSON(w, r)
	case FormatJUnit:
		return renderJUnit(w, r)
	case FormatHTML:
		return renderHTML(w, r)
	default:
		return fmt.Errorf("unknown report format %q", f)
	}
}

// Save renders the report into dir under a timestamped filename and returns
// the path written.
func Save(dir string, f Format, r *result.TestExecutionReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}

	name := fmt.Sprintf("conncheck-%s-%s.%s",
		r.Environment,
		r.StartedAt.Format("20060102-150405"),
		f.extension())
	path := filepath.Join(dir, name)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}

	if err := Render(file, f, r); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("rendering %s report: %w", f, err)
	}

	if err := file.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", path, err)
	}

	return path, nil
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
