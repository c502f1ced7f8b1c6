package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opencode-core/engine/internal/id"
)

const (
	// MaxOutputLines is the default line cap before a tool output is
	// spilled to disk.
	MaxOutputLines = 2000
	// MaxOutputBytes is the default byte cap before a tool output is
	// spilled to disk.
	MaxOutputBytes = 51200

	spillTTL = 7 * 24 * time.Hour
)

// Direction selects which end of an oversized output the preview is taken
// from.
type Direction string

const (
	DirectionHead Direction = "head"
	DirectionTail Direction = "tail"
)

// Truncator caps tool output before it is handed back to the LLM, spilling
// the full text to disk when either bound is exceeded. A best-effort GC
// sweep on first use removes spill files older than spillTTL.
type Truncator struct {
	dir       string
	maxLines  int
	maxBytes  int
	gcOnce    sync.Once
	cronEntry *cron.Cron
}

// NewTruncator creates a truncator that spills oversized output under
// dataDir/tool-output.
func NewTruncator(dataDir string) *Truncator {
	return &Truncator{
		dir:      filepath.Join(dataDir, "tool-output"),
		maxLines: MaxOutputLines,
		maxBytes: MaxOutputBytes,
	}
}

// Truncate caps text to the truncator's line/byte bounds. If text fits
// within both, it is returned unchanged. Otherwise the full text is
// spilled to a file named after toolOutputID and the returned string is a
// preview plus a marker noting how much was cut and where the full output
// lives.
func (t *Truncator) Truncate(toolOutputID, text string, dir Direction) (string, error) {
	t.gcOnce.Do(t.startGC)

	lines := strings.Split(text, "\n")
	withinLines := len(lines) <= t.maxLines
	withinBytes := len(text) <= t.maxBytes
	if withinLines && withinBytes {
		return text, nil
	}

	path, err := t.spill(toolOutputID, text)
	if err != nil {
		return "", fmt.Errorf("spill tool output %s: %w", toolOutputID, err)
	}

	preview, cutLines := previewOf(lines, text, t.maxLines, t.maxBytes, dir)
	marker := fmt.Sprintf("\n\n...%d lines truncated (%d bytes total)...\nFull output saved to %s\n", cutLines, len(text), path)
	return preview + marker, nil
}

func previewOf(lines []string, full string, maxLines, maxBytes int, dir Direction) (string, int) {
	if dir == DirectionTail {
		start := len(lines) - maxLines
		if start < 0 {
			start = 0
		}
		kept := lines[start:]
		preview := strings.Join(kept, "\n")
		if len(preview) > maxBytes {
			preview = preview[len(preview)-maxBytes:]
		}
		return preview, start
	}

	kept := lines
	if len(kept) > maxLines {
		kept = kept[:maxLines]
	}
	preview := strings.Join(kept, "\n")
	if len(preview) > maxBytes {
		preview = preview[:maxBytes]
	}
	cut := len(lines) - len(kept)
	if cut < 0 {
		cut = 0
	}
	return preview, cut
}

func (t *Truncator) spill(toolOutputID, text string) (string, error) {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(t.dir, toolOutputID)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// startGC launches a daily sweep that removes spill files whose id embeds a
// creation timestamp older than spillTTL. Sweep failures are logged, not
// fatal — a missed GC cycle just means stale files linger until the next
// successful one.
func (t *Truncator) startGC() {
	c := cron.New()
	_, err := c.AddFunc("@daily", t.sweep)
	if err != nil {
		return
	}
	t.cronEntry = c
	c.Start()
	// Run one pass immediately so a long-lived process doesn't wait a
	// full day before its first cleanup.
	go t.sweep()
}

func (t *Truncator) sweep() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-spillTTL)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		created, ok := id.Time(entry.Name())
		if !ok || created.After(cutoff) {
			continue
		}
		os.Remove(filepath.Join(t.dir, entry.Name()))
	}
}

// Stop halts the background GC schedule, if one was started.
func (t *Truncator) Stop() {
	if t.cronEntry != nil {
		t.cronEntry.Stop()
	}
}
