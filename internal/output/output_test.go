package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Status_PrintsIconAndMessage(t *testing.T) {
	// Given: a writer with a buffer
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing a status message
	w.Status("🔍", "Opening index...")

	// Then: output contains icon and message
	output := buf.String()
	assert.Contains(t, output, "🔍")
	assert.Contains(t, output, "Opening index...")
}

func TestWriter_StatusWithoutIcon_Indents(t *testing.T) {
	// Given: a writer with a buffer
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing a status message without an icon
	w.Status("", "detail")

	// Then: the message is indented under the previous line
	assert.Equal(t, "   detail\n", buf.String())
}

func TestWriter_Levels_PrintIcons(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		icon  string
		msg   string
	}{
		{"success", func(w *Writer) { w.Success("Committed") }, "✅", "Committed"},
		{"successf", func(w *Writer) { w.Successf("Merged %s", "docs") }, "✅", "Merged docs"},
		{"warning", func(w *Writer) { w.Warning("Nothing to do") }, "⚠️", "Nothing to do"},
		{"warningf", func(w *Writer) { w.Warningf("%d skipped", 2) }, "⚠️", "2 skipped"},
		{"error", func(w *Writer) { w.Error("Failed to open") }, "❌", "Failed to open"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.write(New(buf))

			assert.Contains(t, buf.String(), tt.icon)
			assert.Contains(t, buf.String(), tt.msg)
		})
	}
}

func TestWriter_Field_AlignsLabels(t *testing.T) {
	// Given: a writer with a buffer
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing two fields
	w.Field("Index", "docs")
	w.Field("Documents", 42)

	// Then: values start in the same column
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Index(lines[0], "docs"), strings.Index(lines[1], "42"))
}

func TestWriter_JSON_Indents(t *testing.T) {
	// Given: a writer with a buffer
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing a value as JSON
	require.NoError(t, w.JSON(map[string]int{"deleted": 1}))

	// Then: the output is indented JSON
	assert.Equal(t, "{\n  \"deleted\": 1\n}\n", buf.String())
}

func TestWriter_Progress_SilentWhenNotInteractive(t *testing.T) {
	// Given: a writer over a buffer, which is not a terminal
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing progress
	w.Progress(50, 100, "Ingesting")

	// Then: nothing is drawn
	assert.False(t, w.Interactive())
	assert.Empty(t, buf.String())
}

func TestWriter_Progress_Interactive(t *testing.T) {
	// Given: a writer forced into interactive mode
	buf := &bytes.Buffer{}
	w := &Writer{out: buf, interactive: true}

	// When: printing progress at 50% and then at 100%
	w.Progress(50, 100, "Ingesting")
	w.Progress(100, 100, "Ingesting")

	// Then: the bar is redrawn in place and ends with a newline
	output := buf.String()
	assert.Contains(t, output, " 50% Ingesting")
	assert.Contains(t, output, "100% Ingesting")
	assert.True(t, strings.HasSuffix(output, "\n"))

	// And: a zero total never panics
	assert.NotPanics(t, func() { w.Progress(0, 0, "Ingesting") })
}

func TestProgressBar_Render(t *testing.T) {
	tests := []struct {
		name     string
		current  int64
		total    int64
		width    int
		wantFull int // number of filled characters
	}{
		{name: "0 percent", current: 0, total: 100, width: 10, wantFull: 0},
		{name: "50 percent", current: 50, total: 100, width: 10, wantFull: 5},
		{name: "100 percent", current: 100, total: 100, width: 10, wantFull: 10},
		{name: "overshoot", current: 150, total: 100, width: 10, wantFull: 10},
		{name: "25 percent", current: 25, total: 100, width: 20, wantFull: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := renderProgressBar(tt.current, tt.total, tt.width)

			assert.Equal(t, tt.wantFull, strings.Count(bar, "█"))
			assert.Equal(t, tt.width, len([]rune(bar)))
		})
	}
}

func TestWriter_Newline_PrintsEmptyLine(t *testing.T) {
	// Given: a writer with a buffer
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing a newline
	w.Newline()

	// Then: output is just a newline
	assert.Equal(t, "\n", buf.String())
}
