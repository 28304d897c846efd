package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Gariton/ArtifactFetcher/npm"
	"github.com/Gariton/ArtifactFetcher/progress"
)

// Output modes for job progress.
const (
	outputText = "text"
	outputJSON = "json"
	outputSSE  = "sse"
)

// progressInterval throttles item-progress lines in text mode.
const progressInterval = 500 * time.Millisecond

// renderer prints the events of every job the CLI starts.
type renderer struct {
	mu     sync.Mutex
	w      io.Writer
	stream *progress.StreamWriter
	now    func() time.Time
	last   map[string]time.Time

	stage *color.Color
	skip  *color.Color
	fail  *color.Color
	done  *color.Color
}

func newRenderer(w io.Writer, mode string) (*renderer, error) {
	r := &renderer{
		w:     w,
		now:   time.Now,
		last:  make(map[string]time.Time),
		stage: color.New(color.FgCyan),
		skip:  color.New(color.FgYellow),
		fail:  color.New(color.FgRed),
		done:  color.New(color.FgGreen, color.Bold),
	}
	switch mode {
	case outputText, "":
	case outputJSON:
		r.stream = progress.NewJSONLinesWriter(w)
	case outputSSE:
		r.stream = progress.NewSSEWriter(w)
	default:
		return nil, fmt.Errorf("unknown output mode %q (want text, json or sse)", mode)
	}
	return r, nil
}

// observe has the job.WithObserver signature.
func (r *renderer) observe(id string, e progress.Event) {
	if r.stream != nil {
		r.stream.Handle(e)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text(id, e)
}

// err reports the first write error of a streaming mode.
func (r *renderer) err() error {
	if r.stream == nil {
		return nil
	}
	return r.stream.Err()
}

func (r *renderer) text(id string, e progress.Event) {
	switch e.Type {
	case progress.TypeStage:
		r.stage.Fprintf(r.w, "==> %s\n", e.Stage)
	case progress.TypeRepoTagResolved:
		if items, ok := e.Items.([]progress.RepoTag); ok {
			for i, rt := range items {
				fmt.Fprintf(r.w, "    [%d] %s:%s\n", i, rt.Repository, rt.Tag)
			}
		}
	case progress.TypeManifestResolved:
		fmt.Fprintf(r.w, "    resolved %s\n", describeItems(e))
	case progress.TypeItemStart:
		fmt.Fprintf(r.w, "    [%d] %s %s\n", e.Item.Index, shortDigest(e.Digest), formatSize(e.Total))
	case progress.TypeItemProgress:
		key := fmt.Sprintf("%s/%s/%d", id, e.Item.Scope, e.Item.Index)
		now := r.now()
		if last, ok := r.last[key]; ok && now.Sub(last) < progressInterval {
			return
		}
		r.last[key] = now
		fmt.Fprintf(r.w, "    [%d] %s / %s\n", e.Item.Index, formatBytes(e.Received), formatSize(e.Total))
	case progress.TypeItemDone:
		r.done.Fprintf(r.w, "    [%d] done\n", e.Item.Index)
	case progress.TypeItemSkip:
		r.skip.Fprintf(r.w, "    [%d] skipped (%s)\n", e.Item.Index, e.Reason)
	case progress.TypeItemError:
		r.fail.Fprintf(r.w, "    [%d] failed: %s\n", e.Item.Index, e.Message)
	case progress.TypeErrorSummary:
		r.skip.Fprintf(r.w, "%d succeeded, %d failed\n", len(e.Successes), len(e.Failures))
		for _, f := range e.Failures {
			r.fail.Fprintf(r.w, "    %s: %s\n", f.Name, f.Error)
		}
	case progress.TypeDone:
		r.done.Fprintf(r.w, "done: %s\n", e.Filename)
		r.forget(id)
	case progress.TypeError:
		r.fail.Fprintf(r.w, "error: %s\n", e.Message)
		r.forget(id)
	}
}

func (r *renderer) forget(id string) {
	prefix := id + "/"
	for k := range r.last {
		if strings.HasPrefix(k, prefix) {
			delete(r.last, k)
		}
	}
}

func describeItems(e progress.Event) string {
	var n int
	switch items := e.Items.(type) {
	case []ocispec.Descriptor:
		n = len(items)
	case []npm.LockEntry:
		n = len(items)
	default:
		return "manifest"
	}
	if e.ManifestName != "" {
		return fmt.Sprintf("%s: %d items", e.ManifestName, n)
	}
	return fmt.Sprintf("%d items", n)
}

func shortDigest(d string) string {
	const keep = 19 // "sha256:" plus 12 hex characters
	if len(d) > keep {
		return d[:keep]
	}
	return d
}

func formatSize(total *int64) string {
	if total == nil {
		return "?"
	}
	return formatBytes(*total)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
