// Package console prints sessions to a terminal: the live stream of a run
// and the persisted transcript.
package console

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/killallgit/kortix/pkg/api"
	"github.com/killallgit/kortix/pkg/logger"
	"github.com/killallgit/kortix/pkg/reconciler"
	"github.com/killallgit/kortix/pkg/uistate"
)

var codeFencePattern = regexp.MustCompile("(?s)```([\\w+-]*)\\n(.*?)```")

// Renderer writes chat output to a terminal
type Renderer struct {
	w      io.Writer
	styles Styles
	plain  bool
	theme  string
	log    *logger.Logger
}

// Option configures a Renderer
type Option func(*Renderer)

// WithPlain disables colors, boxes and syntax highlighting
func WithPlain() Option {
	return func(r *Renderer) {
		r.plain = true
		r.styles = PlainStyles()
	}
}

// WithTheme sets the chroma style used for code blocks
func WithTheme(theme string) Option {
	return func(r *Renderer) { r.theme = theme }
}

// NewRenderer creates a renderer writing to w
func NewRenderer(w io.Writer, opts ...Option) *Renderer {
	r := &Renderer{
		w:      w,
		styles: DefaultStyles(),
		theme:  "monokai",
		log:    logger.WithComponent("console"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StreamSource is the read side of a run stream
type StreamSource interface {
	Subscribe() (<-chan reconciler.Snapshot, func())
}

// Follow prints a run as it streams and returns its terminal snapshot.
// Text is printed incrementally; tool calls and the final status get a
// line of their own.
func (r *Renderer) Follow(ctx context.Context, src StreamSource) (reconciler.Snapshot, error) {
	updates, unsubscribe := src.Subscribe()
	defer unsubscribe()

	f := &follower{r: r}
	for {
		select {
		case <-ctx.Done():
			f.endLine()
			return reconciler.Snapshot{}, ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				f.endLine()
				return reconciler.Snapshot{}, reconciler.ErrClosed
			}

			// text cleared after completion is not a rewrite
			if snap.Text != "" || !snap.Status.IsTerminal() {
				f.text(snap.Text)
			}
			f.tool(toolRef(snap))

			if snap.Status.IsTerminal() {
				f.endLine()
				r.Status(snap)
				return snap, nil
			}
		}
	}
}

// follower tracks what part of a stream is already on screen
type follower struct {
	r        *Renderer
	printed  string
	midLine  bool
	lastTool *uistate.ToolRef
}

func (f *follower) text(text string) {
	if text == f.printed {
		return
	}
	delta := text
	if strings.HasPrefix(text, f.printed) {
		delta = text[len(f.printed):]
	} else {
		// an out-of-order chunk landed before text already shown
		f.endLine()
	}
	fmt.Fprint(f.r.w, f.r.styles.Body.Render(delta))
	f.printed = text
	f.midLine = delta != "" && !strings.HasSuffix(delta, "\n")
}

func (f *follower) tool(tool *uistate.ToolRef) {
	if sameTool(tool, f.lastTool) {
		return
	}
	f.lastTool = tool
	if tool == nil {
		return
	}
	f.endLine()
	fmt.Fprintln(f.r.w, f.r.styles.Tool.Render(fmt.Sprintf("%s %s", uistate.ActivityToolUse.GetIcon(), tool.Name)))
}

func (f *follower) endLine() {
	if f.midLine {
		fmt.Fprintln(f.r.w)
		f.midLine = false
	}
}

// Status prints the outcome of a run
func (r *Renderer) Status(snap reconciler.Snapshot) {
	switch snap.Status {
	case reconciler.StatusError:
		r.Error(fmt.Errorf("%s", snap.Error))
	case reconciler.StatusStopped:
		fmt.Fprintln(r.w, r.styles.Status.Render("[stopped]"))
	case reconciler.StatusCompleted:
		r.log.Debug("Run completed", "chunks", snap.Stats.ChunkCount, "duration", snap.Stats.Duration)
	}
}

// Error prints an error. Billing errors get the upgrade hint.
func (r *Renderer) Error(err error) {
	if be, ok := api.AsBillingError(err); ok {
		msg := fmt.Sprintf("%s\nUpgrade your plan with: kortix billing checkout --price <price-id>", be.Error())
		fmt.Fprintln(r.w, r.styles.Billing.Render(msg))
		return
	}
	fmt.Fprintln(r.w, r.styles.Error.Render("Error: "+err.Error()))
}

// Messages prints a transcript
func (r *Renderer) Messages(msgs []api.Message) {
	for _, msg := range msgs {
		r.Message(msg)
	}
}

// Message prints one persisted message with a role label
func (r *Renderer) Message(msg api.Message) {
	var label string
	switch msg.Type {
	case api.MessageTypeUser:
		label = r.styles.UserLabel.Render("you")
	case api.MessageTypeAssistant:
		label = r.styles.AssistantLabel.Render("assistant")
	case api.MessageTypeTool:
		label = r.styles.ToolLabel.Render("tool")
	case api.MessageTypeStatus:
		return
	default:
		label = r.styles.SystemLabel.Render(string(msg.Type))
	}
	if msg.IsOptimistic() {
		label += r.styles.Status.Render(" (sending)")
	}

	fmt.Fprintf(r.w, "%s: %s\n", label, r.FormatText(msg.Text()))
}

// FormatText highlights fenced code blocks in text
func (r *Renderer) FormatText(text string) string {
	if r.plain {
		return text
	}
	return codeFencePattern.ReplaceAllStringFunc(text, func(block string) string {
		m := codeFencePattern.FindStringSubmatch(block)
		return "\n" + r.FormatCode(m[2], m[1])
	})
}

// FormatCode syntax-highlights code and boxes it. Unknown languages are
// detected from the content.
func (r *Renderer) FormatCode(code, language string) string {
	if r.plain || code == "" {
		return code
	}
	if language == "" {
		language = "plaintext"
	}

	var b strings.Builder
	if err := quick.Highlight(&b, strings.TrimRight(code, "\n"), language, "terminal16m", r.theme); err != nil {
		r.log.Debug("Failed to highlight code, using plain text", "language", language, "error", err)
		return r.styles.CodeBlock.Render(code)
	}
	return r.styles.CodeBlock.Render(b.String())
}

func toolRef(snap reconciler.Snapshot) *uistate.ToolRef {
	if snap.ActiveTool == nil {
		return nil
	}
	return &uistate.ToolRef{Index: snap.ActiveTool.ToolIndex, Name: snap.ActiveTool.Name}
}

func sameTool(a, b *uistate.ToolRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
