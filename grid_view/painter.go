package grid_view

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/template"

	"pacview/protocol"
	"pacview/reconstruct"
	"pacview/render"
)

// Occupancy below which the BUFFER LOW banner shows; interpolation needs two snapshots.
const lowWater = 2

// ANSI control sequences.
const (
	clearScreen = "\x1b[H\x1b[2J"
	reset       = "\x1b[0m"
)

// Painter writes each frame to out as text. It implements render.Renderer.
type Painter struct {
	mu      sync.Mutex
	out     io.Writer
	display protocol.DisplayConfig
	color   bool
	clear   bool
	tmpl    *template.Template
	buf     bytes.Buffer
}

// NewPainter returns a painter with the default display flags, color and screen clearing on.
func NewPainter(out io.Writer, opts ...func(*Painter)) *Painter {
	p := &Painter{
		out:     out,
		display: protocol.DefaultDisplayConfig(),
		color:   true,
		clear:   true,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tmpl = template.Must(template.New("frame").Funcs(p.funcs()).Parse(frameTemplate))
	return p
}

func WithDisplay(cfg protocol.DisplayConfig) func(*Painter) {
	return func(p *Painter) { p.display = cfg }
}

// WithPlain disables color and screen clearing, e.g. for logs and tests.
func WithPlain() func(*Painter) {
	return func(p *Painter) {
		p.color = false
		p.clear = false
	}
}

// SetDisplay replaces the display flags from the next frame on.
func (p *Painter) SetDisplay(cfg protocol.DisplayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.display = cfg
}

// Display returns the current display flags.
func (p *Painter) Display() protocol.DisplayConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.display
}

type frameView struct {
	Clear      bool
	Banners    []string
	Header     string
	Border     bool
	Width      int
	Rows       [][]Cell
	ShowStats  bool
	StatsLines []string
}

const frameTemplate = `{{ if .Clear }}{{ clear }}{{ end -}}
{{ range .Banners }}*** {{ . }} ***
{{ end -}}
{{ .Header }}
{{ if .Border }}+{{ repeat "-" .Width }}+
{{ end -}}
{{ range $row := .Rows }}{{ if $.Border }}|{{ end }}{{ range $row }}{{ cell . }}{{ end }}{{ if $.Border }}|{{ end }}
{{ end -}}
{{ if .Border }}+{{ repeat "-" .Width }}+
{{ end -}}
{{ if .ShowStats }}{{ range .StatsLines }}{{ . }}
{{ end }}{{ end }}`

func (p *Painter) funcs() template.FuncMap {
	return template.FuncMap{
		"clear":  func() string { return clearScreen },
		"repeat": strings.Repeat,
		"cell":   p.cell,
	}
}

// cell is called with p.mu held, from Render.
func (p *Painter) cell(c Cell) string {
	glyph := strings.Repeat(string(c.Glyph), p.zoom())
	if !p.color || c.Color == "" {
		return glyph
	}
	return "\x1b[" + c.Color + "m" + glyph + reset
}

// zoom is the horizontal width of a cell: render scale 50 draws one glyph per cell.
func (p *Painter) zoom() int {
	return max(1, p.display.RenderScale/50)
}

// Render draws the frame. Write errors are dropped; the next frame simply tries again.
func (p *Painter) Render(frame reconstruct.Frame, status render.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := frame.Snapshot
	view := frameView{
		Clear:     p.clear,
		Banners:   banners(status),
		Header:    fmt.Sprintf("episode %d  step %d  score %d  lives %d%s", s.Episode, s.Sequence, s.Score, s.Lives, power(s.PowerActive, s.PowerTimer)),
		Border:    p.display.ShowGrid,
		Width:     s.GridSize * p.zoom(),
		Rows:      Convert(s, p.display.HighlightPath),
		ShowStats: p.display.ShowStats,
	}
	if view.ShowStats {
		view.StatsLines = statsLines(frame, status)
	}

	p.buf.Reset()
	if err := p.tmpl.Execute(&p.buf, view); err != nil {
		return
	}
	_, _ = p.out.Write(p.buf.Bytes())
}

func banners(status render.Status) (out []string) {
	if status.Reconnecting {
		out = append(out, "RECONNECTING")
	}
	if status.Stalled || status.Stats.BufferOccupancy < lowWater {
		out = append(out, "BUFFER LOW")
	}
	if status.Paused {
		out = append(out, "PAUSED")
	}
	return
}

func power(active bool, timer int) string {
	if !active {
		return ""
	}
	return fmt.Sprintf("  POWER %d", timer)
}

func statsLines(frame reconstruct.Frame, status render.Status) []string {
	st := status.Stats
	return []string{
		fmt.Sprintf("frame %-12s alpha %.2f  fps %.1f/%d  speed %.2gx",
			frame.Kind, frame.Alpha, st.RenderFps, status.TargetFps, status.Speed),
		fmt.Sprintf("conn  %-12s rtt %.1fms  reconnects %d",
			status.Connection, st.RoundTripMs, st.ReconnectAttempts),
		fmt.Sprintf("recv  %d msgs %d bytes  buffer %d  dropped %d  malformed %d",
			st.MessagesReceived, st.BytesReceived, st.BufferOccupancy, st.DroppedFrames(), st.MalformedMessages),
	}
}
