// Package progressui renders internal/progress.Events to the terminal using
// pterm, the teacher's pcap-cli stack's progress/output library.
package progressui

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/pktmask/pktmask/internal/progress"
)

// Renderer owns one pterm progress bar spanning the whole directory run.
type Renderer struct {
	bar *pterm.ProgressbarPrinter
}

func New(total int) *Renderer {
	bar, _ := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("pktmask").
		Start()
	return &Renderer{bar: bar}
}

// Callback returns a progress.Callback bound to this renderer.
func (r *Renderer) Callback() progress.Callback {
	return func(ev progress.Event) {
		switch ev.Type {
		case progress.TypeFileStart:
			pterm.Info.Println(fmt.Sprintf("processing %s", ev.Path))
		case progress.TypeStageEnd:
			if ev.Stats != nil {
				pterm.Debug.Println(fmt.Sprintf("%s: %s packets_seen=%d packets_modified=%d",
					ev.Path, ev.Stage, ev.Stats.PacketsSeen, ev.Stats.PacketsModified))
			}
		case progress.TypeFileEnd:
			r.bar.Increment()
			if ev.Success {
				pterm.Success.Println(fmt.Sprintf("done: %s", ev.Path))
			}
		case progress.TypeError:
			pterm.Error.Println(fmt.Sprintf("%s [%s]: %s", ev.Path, ev.Stage, ev.Detail))
		}
	}
}

// Stop finalises the progress bar.
func (r *Renderer) Stop() {
	if r.bar != nil {
		_, _ = r.bar.Stop()
	}
}
