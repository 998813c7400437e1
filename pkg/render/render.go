package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/ngoyal88/llmtap/pkg/record"
)

// Printer writes log entries for a terminal. With color off the output is
// plain text and safe to pipe.
type Printer struct {
	w     io.Writer
	color bool

	header lipgloss.Style
	label  lipgloss.Style
	faint  lipgloss.Style
}

func New(w io.Writer, color bool) *Printer {
	return &Printer{
		w:      w,
		color:  color,
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A6E22E")),
		label:  lipgloss.NewStyle().Foreground(lipgloss.Color("#66D9EF")),
		faint:  lipgloss.NewStyle().Foreground(lipgloss.Color("#75715E")),
	}
}

type unit struct {
	Timestamp string          `json:"timestamp"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
	Meta      *record.Meta    `json:"meta"`
}

// Entry prints one exchange: a summary line, then the request and response.
func (p *Printer) Entry(seq uint64, data json.RawMessage) error {
	var u unit
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("decode entry %d: %w", seq, err)
	}

	var b strings.Builder
	b.WriteString(p.style(p.header, fmt.Sprintf("#%d %s", seq, u.Timestamp)))
	if s := summary(u); s != "" {
		b.WriteString("  ")
		b.WriteString(p.style(p.faint, s))
	}
	b.WriteString("\n")
	b.WriteString(p.style(p.label, "request:"))
	b.WriteString("\n")
	b.WriteString(p.json(u.Request))
	b.WriteString(p.style(p.label, "response:"))
	b.WriteString("\n")
	b.WriteString(p.json(u.Response))
	b.WriteString("\n")

	_, err := io.WriteString(p.w, b.String())
	return err
}

// Footer prints the totals line shown after a full dump.
func (p *Printer) Footer(entries int, size int64) error {
	line := fmt.Sprintf("%s calls, %s on disk", humanize.Comma(int64(entries)), humanize.Bytes(uint64(size)))
	_, err := fmt.Fprintln(p.w, p.style(p.faint, line))
	return err
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *Printer) json(raw json.RawMessage) string {
	var buf bytes.Buffer
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Indent(&buf, raw, "  ", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	text := "  " + buf.String() + "\n"
	if !p.color {
		return text
	}
	var out strings.Builder
	if err := quick.Highlight(&out, text, "json", "terminal256", "monokai"); err != nil {
		return text
	}
	return out.String()
}

func summary(u unit) string {
	var parts []string
	model := ""
	if u.Meta != nil && u.Meta.Model != "" {
		model = u.Meta.Model
	} else {
		var req struct {
			Model string `json:"model"`
		}
		if json.Unmarshal(u.Request, &req) == nil {
			model = req.Model
		}
	}
	if model != "" {
		parts = append(parts, model)
	}
	if m := u.Meta; m != nil {
		if m.Method != "" {
			parts = append(parts, m.Method+" "+m.Path)
		}
		if m.Status != 0 {
			parts = append(parts, fmt.Sprintf("%d", m.Status))
		}
		if m.DurationMs != 0 {
			parts = append(parts, fmt.Sprintf("%dms", m.DurationMs))
		}
		if m.CostUSD > 0 {
			parts = append(parts, fmt.Sprintf("$%.6f", m.CostUSD))
		}
		if m.CacheHit {
			parts = append(parts, "cached")
		}
	}
	return strings.Join(parts, "  ")
}
