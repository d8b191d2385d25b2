package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/sqlshift/sqlshift/internal/core"
)

// progressNotifier drives a terminal progress bar from scheduler events.
type progressNotifier struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newProgressNotifier(total int, w io.Writer) *progressNotifier {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("converting"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &progressNotifier{bar: bar}
}

func (p *progressNotifier) Notify(event core.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Kind {
	case core.EventJobUpdated:
		if event.Job != nil && event.Job.State.Terminal() {
			_ = p.bar.Add(1)
		}
	case core.EventBackpressureWaiting:
		p.bar.Describe(fmt.Sprintf("waiting %ds for quota", event.WaitSeconds))
	case core.EventBatchCompleted:
		p.bar.Describe(fmt.Sprintf("batch %d done", event.Batch))
	case core.EventRunCompleted:
		_ = p.bar.Finish()
	}
}
