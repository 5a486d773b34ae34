package flow

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Prompter presents the device-flow verification step. It only renders;
// polling and error interpretation do not depend on which Prompter is used.
type Prompter interface {
	// Prompt shows the verification URL and user code.
	Prompt(info *DeviceInfo)
	// Finish is called once polling has ended, with its error if any.
	Finish(err error)
}

// DetectPrompter returns a RichPrompter when stderr is an interactive
// terminal and a TextPrompter otherwise.
func DetectPrompter() Prompter {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return NewRichPrompter(os.Stderr)
	}
	return &TextPrompter{Out: os.Stderr}
}

// TextPrompter writes plain lines, suitable for logs and notebooks.
type TextPrompter struct {
	Out io.Writer
}

// Prompt implements Prompter.
func (p *TextPrompter) Prompt(info *DeviceInfo) {
	_, _ = fmt.Fprintln(p.Out, "Please open url in a different tab:", info.URL())
	if info.UserCode != "" {
		_, _ = fmt.Fprintln(p.Out, "and confirm the code:", info.UserCode)
	}
}

// Finish implements Prompter.
func (p *TextPrompter) Finish(error) {}

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 1)
	codeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// RichPrompter draws a framed prompt and a spinner while polling.
type RichPrompter struct {
	out     io.Writer
	spinner *spinner.Spinner
}

// NewRichPrompter creates a RichPrompter writing to out.
func NewRichPrompter(out io.Writer) *RichPrompter {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.Suffix = " Waiting for approval..."
	return &RichPrompter{out: out, spinner: s}
}

// Prompt implements Prompter.
func (p *RichPrompter) Prompt(info *DeviceInfo) {
	body := "Open this URL in a browser to sign in:\n\n" + info.URL()
	if info.UserCode != "" {
		body += "\n\nCode: " + codeStyle.Render(info.UserCode)
	}
	_, _ = fmt.Fprintln(p.out, boxStyle.Render(body))
	p.spinner.Start()
}

// Finish implements Prompter.
func (p *RichPrompter) Finish(err error) {
	p.spinner.Stop()
	if err != nil {
		_, _ = fmt.Fprintln(p.out, failStyle.Render("✗ Sign-in failed"))
		return
	}
	_, _ = fmt.Fprintln(p.out, okStyle.Render("✓ Signed in"))
}
