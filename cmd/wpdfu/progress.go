package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/kabili207/wavephoenix-go/device/events"
	"github.com/schollz/progressbar/v3"
)

// progressBar renders workflow progress events as a terminal bar.
type progressBar struct {
	w io.Writer

	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	phase string
	ended bool
}

func newProgressBar(w io.Writer, description string) *progressBar {
	return &progressBar{
		w: w,
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(w),
		),
	}
}

// Publish implements events.Publisher.
func (p *progressBar) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}

	if e.Phase != "" && e.Phase != "none" && e.Phase != p.phase {
		p.phase = e.Phase
		p.bar.Describe("Uploading " + e.Phase)
	}

	switch e.Kind {
	case events.KindProgress:
		p.bar.Set(int(e.Progress))
	case events.KindState:
		switch e.State {
		case "uploading":
		case "completed":
			p.bar.Set(100)
			p.bar.Finish()
			p.end()
		default:
			p.end()
		}
	}
}

// end moves the cursor off the bar line so later output starts clean.
func (p *progressBar) end() {
	p.ended = true
	fmt.Fprintln(p.w)
}
