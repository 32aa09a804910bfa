// Package summary renders a page's extraction results as a cumulative
// Markdown summary.
package summary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// MarkdownFormatter renders one header per page followed by one section per
// extraction. Sections depend only on their own result, so appending a
// section to an existing summary equals formatting the longer list.
type MarkdownFormatter struct {
	// MaxDataBytes truncates large payloads in the rendered section. Zero disables truncation.
	MaxDataBytes int
}

var _ schemas.SummaryFormatter = (*MarkdownFormatter)(nil)

// NewMarkdownFormatter returns a formatter with a 16KiB payload limit per section.
func NewMarkdownFormatter() *MarkdownFormatter {
	return &MarkdownFormatter{MaxDataBytes: 16 << 10}
}

// Format renders the full summary for results in order.
func (f *MarkdownFormatter) Format(url string, results []schemas.ExtractionResult) (string, error) {
	var b strings.Builder
	b.WriteString(header(url))
	for _, r := range results {
		b.WriteString(f.section(r))
	}
	return b.String(), nil
}

// Merge appends next to an existing summary produced by Format.
func (f *MarkdownFormatter) Merge(url, summary string, next schemas.ExtractionResult) (string, error) {
	if summary == "" {
		return f.Format(url, []schemas.ExtractionResult{next})
	}
	if !strings.HasPrefix(summary, header(url)) {
		return "", fmt.Errorf("summary does not belong to %s", url)
	}
	return summary + f.section(next), nil
}

func header(url string) string {
	return fmt.Sprintf("## Extractions for %s\n", url)
}

func (f *MarkdownFormatter) section(r schemas.ExtractionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n### v%d (step %d, %s)\n", r.Version, r.StepNumber, r.Timestamp.UTC().Format(time.RFC3339))
	if r.Instruction != "" {
		fmt.Fprintf(&b, "> %s\n", strings.ReplaceAll(strings.TrimSpace(r.Instruction), "\n", " "))
	}
	if len(r.Screenshots) > 0 {
		b.WriteString("\nScreenshots:\n")
		for _, s := range r.Screenshots {
			fmt.Fprintf(&b, "- %s at step %d: %s\n", s.Kind, s.Step, s.URL)
		}
	}
	b.WriteString("\n```json\n")
	b.WriteString(f.renderData(r.Data))
	b.WriteString("\n```\n")
	return b.String()
}

func (f *MarkdownFormatter) renderData(data []byte) string {
	var out bytes.Buffer
	if len(bytes.TrimSpace(data)) == 0 {
		out.WriteString("null")
	} else if err := json.Indent(&out, data, "", "  "); err != nil {
		out.Reset()
		out.Write(data)
	}
	s := out.String()
	if n := f.MaxDataBytes; n > 0 && len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n] + "\n... (truncated)"
	}
	return s
}
