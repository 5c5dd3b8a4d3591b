package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/usecase"
)

var (
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}

	styleStatus = lipgloss.NewStyle().Foreground(colorInfo)
	styleTool   = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleResult = lipgloss.NewStyle().Foreground(colorMuted)
	styleOK     = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError  = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleHeader = lipgloss.NewStyle().Bold(true).Underline(true)
)

// renderer prints run progress and answers to a terminal.
type renderer struct {
	w     io.Writer
	width int
	md    *glamour.TermRenderer
}

func newRenderer(w io.Writer, width int) *renderer {
	if width <= 0 {
		width = 100
	}
	return &renderer{w: w, width: width}
}

// event prints one stream event. The final answer is rendered as markdown.
func (r *renderer) event(ev domain.StreamEvent) {
	switch ev.Type {
	case domain.StreamStatus:
		fmt.Fprintln(r.w, styleStatus.Render("● "+ev.Content))
	case domain.StreamToolCall:
		fmt.Fprintln(r.w, styleStatus.Render(fmt.Sprintf("● round %d: %s", ev.Iteration, strings.Join(ev.Tools, ", "))))
	case domain.StreamToolStart:
		fmt.Fprintf(r.w, "  %s %s\n", styleTool.Render("→ "+ev.Tool), styleResult.Render("@ "+ev.Backend))
	case domain.StreamToolResult:
		mark := styleOK.Render("✓ " + ev.Tool)
		if ev.IsError {
			mark = styleError.Render("✗ " + ev.Tool)
		}
		fmt.Fprintf(r.w, "  %s %s\n", mark, styleResult.Render(oneLine(ev.Result)))
	case domain.StreamFinal:
		fmt.Fprintln(r.w)
		fmt.Fprint(r.w, r.markdown(ev.Content))
	case domain.StreamError:
		fmt.Fprintln(r.w, styleError.Render(fmt.Sprintf("✗ %s [%s]", ev.Content, ev.Code)))
	}
}

// result prints the answer of a blocking run.
func (r *renderer) result(res *usecase.RunResult) {
	if res.Outcome != usecase.OutcomeFinal {
		fmt.Fprintln(r.w, styleError.Render("✗ "+res.Text()))
		return
	}
	fmt.Fprint(r.w, r.markdown(res.Answer))
}

// tools prints the registry grouped by backend.
func (r *renderer) tools(snap usecase.CacheSnapshot) {
	for _, b := range snap.Backends {
		state := styleOK.Render("healthy")
		if !b.Healthy {
			state = styleError.Render("down: " + b.Error)
		}
		fmt.Fprintf(r.w, "%s  %s\n", styleHeader.Render(b.Address), state)
		for _, t := range snap.Tools {
			if t.BackendIndex != b.Index {
				continue
			}
			fmt.Fprintf(r.w, "  %s  %s\n", styleTool.Render(t.Name), styleResult.Render(oneLine(t.Description)))
		}
	}
	fmt.Fprintf(r.w, "\n%d tools from %d backends\n", len(snap.Tools), len(snap.Backends))
}

func (r *renderer) markdown(content string) string {
	if r.md == nil {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(r.width),
		)
		if err != nil {
			return content + "\n"
		}
		r.md = md
	}
	out, err := r.md.Render(content)
	if err != nil {
		return content + "\n"
	}
	return out
}

const previewWidth = 80

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewWidth {
		return string(r[:previewWidth]) + "…"
	}
	return s
}
