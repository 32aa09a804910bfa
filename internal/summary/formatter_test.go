package summary

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

func result(v int, data string) schemas.ExtractionResult {
	return schemas.ExtractionResult{
		Version:     v,
		Instruction: fmt.Sprintf("extract part %d", v),
		Data:        []byte(data),
		Timestamp:   time.Date(2026, 3, 1, 12, 0, v, 0, time.UTC),
		StepNumber:  v * 2,
	}
}

func TestFormat(t *testing.T) {
	f := NewMarkdownFormatter()
	out, err := f.Format("https://example.com/", []schemas.ExtractionResult{result(1, `{"title":"Home"}`)})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "## Extractions for https://example.com/\n"))
	assert.Contains(t, out, "### v1 (step 2, 2026-03-01T12:00:01Z)")
	assert.Contains(t, out, "> extract part 1")
	assert.Contains(t, out, "\"title\": \"Home\"")
}

func TestFormat_NonJSONAndTruncation(t *testing.T) {
	f := &MarkdownFormatter{MaxDataBytes: 10}
	out, err := f.Format("u", []schemas.ExtractionResult{result(1, "plain text that is long")})
	require.NoError(t, err)
	assert.Contains(t, out, "plain text")
	assert.Contains(t, out, "(truncated)")

	out, err = NewMarkdownFormatter().Format("u", []schemas.ExtractionResult{result(1, "")})
	require.NoError(t, err)
	assert.Contains(t, out, "null")
}

func TestFormat_TruncationKeepsRunesWhole(t *testing.T) {
	// "é" occupies bytes 1 and 2, so a 2-byte limit falls inside it.
	f := &MarkdownFormatter{MaxDataBytes: 2}
	out, err := f.Format("u", []schemas.ExtractionResult{result(1, "héllo wörld")})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, "```json\nh\n... (truncated)")
}

func TestMerge_RejectsForeignSummary(t *testing.T) {
	f := NewMarkdownFormatter()
	other, _ := f.Format("https://a.example/", []schemas.ExtractionResult{result(1, `{}`)})
	_, err := f.Merge("https://b.example/", other, result(2, `{}`))
	assert.Error(t, err)
}

// Merging results one at a time equals formatting them all at once.
func TestMerge_AssociativeProperty(t *testing.T) {
	f := NewMarkdownFormatter()
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "n")
		var results []schemas.ExtractionResult
		for i := 1; i <= n; i++ {
			val := rapid.StringMatching(`[a-z ]{0,12}`).Draw(rt, "val")
			r := result(i, fmt.Sprintf(`{"v":%q}`, val))
			if rapid.Bool().Draw(rt, "shot") {
				r.Screenshots = []schemas.ScreenshotRef{{Step: r.StepNumber - 1, Kind: schemas.ScreenshotAfterAct, URL: "https://example.com/p"}}
			}
			results = append(results, r)
		}

		want, err := f.Format("https://example.com/p", results)
		if err != nil {
			rt.Fatal(err)
		}

		split := rapid.IntRange(0, n).Draw(rt, "split")
		got, err := f.Format("https://example.com/p", results[:split])
		if err != nil {
			rt.Fatal(err)
		}
		if split == 0 {
			got = ""
		}
		for _, r := range results[split:] {
			if got, err = f.Merge("https://example.com/p", got, r); err != nil {
				rt.Fatal(err)
			}
		}
		if got != want {
			rt.Fatalf("incremental summary differs from full format\nwant:\n%s\ngot:\n%s", want, got)
		}
	})
}
