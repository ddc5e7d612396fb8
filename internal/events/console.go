package events

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/gosuri/uiprogress"
)

// stageSteps maps the event that opens each stage to its position in a run.
var stageSteps = map[Type]int{
	ParsingStarted:       1,
	InferringStarted:     2,
	GeneratingSchema:     3,
	ValidatingSchema:     4,
	DataInsertionStarted: 5,
	ExecutingSQL:         6,
	BuildSucceeded:       7,
}

const totalSteps = 7

// Console prints a colored event feed for interactive runs and, optionally,
// a stage progress bar.
type Console struct {
	out io.Writer

	mu       sync.Mutex
	stage    string
	progress *uiprogress.Progress
	bar      *uiprogress.Bar

	info, ok, warn, fail *color.Color
}

// ConsoleOptions configures NewConsole.
type ConsoleOptions struct {
	NoColor  bool
	Progress bool
}

func NewConsole(out io.Writer, opts ConsoleOptions) *Console {
	c := &Console{
		out:  out,
		info: color.New(color.FgCyan),
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		fail: color.New(color.FgRed, color.Bold),
	}
	if opts.NoColor {
		for _, col := range []*color.Color{c.info, c.ok, c.warn, c.fail} {
			col.DisableColor()
		}
	}
	if opts.Progress {
		c.progress = uiprogress.New()
		c.progress.SetOut(out)
		c.bar = c.progress.AddBar(totalSteps).AppendCompleted().PrependElapsed()
		c.bar.PrependFunc(func(b *uiprogress.Bar) string {
			c.mu.Lock()
			defer c.mu.Unlock()
			return fmt.Sprintf("%-24s", c.stage)
		})
		c.progress.Start()
	}
	return c
}

func (c *Console) Publish(_ context.Context, ev Event) error {
	col := c.info
	switch ev.Type {
	case BuildSucceeded, SchemaApplied, DataInserted:
		col = c.ok
	case SQLError, DriftDetected, CorrectionStalled:
		col = c.warn
	case BuildFailed:
		col = c.fail
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if step, ok := stageSteps[ev.Type]; ok {
		c.stage = string(ev.Type)
		if c.bar != nil {
			_ = c.bar.Set(step)
		}
	}
	w := c.out
	if c.progress != nil {
		// Feed lines go above the bar instead of being redrawn over.
		w = c.progress.Bypass()
	}
	_, err := col.Fprintf(w, "%4d %-22s %s\n", ev.Seq, ev.Type, ev.Message)
	return err
}

// Stop halts the progress bar renderer, if any.
func (c *Console) Stop() {
	if c.progress != nil {
		c.progress.Stop()
	}
}
