package ui

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// PlainRenderer outputs plain text progress (for CI/pipes). Stages with a
// known total render as a schollz/progressbar bar; stages without one
// (a single "connecting to embedder" message, say) fall back to a plain
// line so output stays sane when piped to a log file.
type PlainRenderer struct {
	mu      sync.Mutex
	out     io.Writer
	noColor bool
	stage   Stage
	bar     *progressbar.ProgressBar
	errors  []ErrorEvent
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{
		out:     cfg.Output,
		noColor: cfg.NoColor,
	}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(ctx context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var msg string
	if event.Message != "" {
		msg = event.Message
	} else if event.CurrentFile != "" {
		msg = event.CurrentFile
	}

	if event.Total <= 0 {
		// No known total for this update - finish any in-flight bar and
		// fall back to a single status line.
		r.finishBarLocked()
		if msg != "" {
			_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), msg)
		}
		return
	}

	if r.bar == nil || r.stage != event.Stage {
		r.finishBarLocked()
		r.stage = event.Stage
		r.bar = progressbar.NewOptions(event.Total,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetDescription(fmt.Sprintf("[%s]", event.Stage.Icon())),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionEnableColorCodes(!r.noColor),
		)
	}

	if msg != "" {
		r.bar.Describe(fmt.Sprintf("[%s] %s", event.Stage.Icon(), msg))
	}
	_ = r.bar.Set(event.Current)
}

// finishBarLocked completes and clears the active progress bar, if any.
// Caller must hold r.mu.
func (r *PlainRenderer) finishBarLocked() {
	if r.bar == nil {
		return
	}
	_ = r.bar.Finish()
	r.bar = nil
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finishBarLocked()
	r.errors = append(r.errors, event)

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}

	if event.File != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.File, event.Err)
	} else {
		_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finishBarLocked()

	_, _ = fmt.Fprintf(r.out, "Complete: %d files, %d chunks indexed in %s",
		stats.Files, stats.Chunks, stats.Duration.Round(100*millisecond))

	if stats.Errors > 0 || stats.Warnings > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d errors, %d warnings)", stats.Errors, stats.Warnings)
	}

	_, _ = fmt.Fprintln(r.out)

	// Show detailed stage breakdown if available
	if stats.Stages.Scan > 0 || stats.Stages.Embed > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "Stage Breakdown:")
		_, _ = fmt.Fprintf(r.out, "  Scan:    %s (files discovered)\n", stats.Stages.Scan.Round(100*millisecond))
		_, _ = fmt.Fprintf(r.out, "  Chunk:   %s (code parsed)\n", stats.Stages.Chunk.Round(100*millisecond))
		if stats.Stages.Context > 0 {
			_, _ = fmt.Fprintf(r.out, "  Context: %s (CR-1 enrichment)\n", stats.Stages.Context.Round(100*millisecond))
		}
		if stats.Stages.Embed > 0 && stats.Chunks > 0 {
			chunksPerSec := float64(stats.Chunks) / stats.Stages.Embed.Seconds()
			_, _ = fmt.Fprintf(r.out, "  Embed:   %s (%d chunks @ %.1f/sec)\n",
				stats.Stages.Embed.Round(100*millisecond), stats.Chunks, chunksPerSec)
		}
		_, _ = fmt.Fprintf(r.out, "  Index:   %s (BM25 + vector)\n", stats.Stages.Index.Round(100*millisecond))
	}

	// Show embedder backend info if available
	if stats.Embedder.Backend != "" {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintf(r.out, "Backend: %s (%s, %d dims)\n",
			stats.Embedder.Backend, stats.Embedder.Model, stats.Embedder.Dimensions)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishBarLocked()
	return nil
}

const millisecond = 1000000 // nanoseconds
