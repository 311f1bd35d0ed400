package console

import "github.com/charmbracelet/lipgloss"

// Autumn palette
var (
	ColorMuted  = lipgloss.Color("#5c5044")
	ColorText   = lipgloss.Color("#ab937b")
	ColorLight  = lipgloss.Color("#f5d7b9")
	ColorRed    = lipgloss.Color("#d95f5f")
	ColorOrange = lipgloss.Color("#eb8755")
	ColorYellow = lipgloss.Color("#f5b761")
	ColorGreen  = lipgloss.Color("#93b56b")
	ColorCyan   = lipgloss.Color("#61afaf")
	ColorBlue   = lipgloss.Color("#6b93b5")
)

// Styles are the lipgloss styles used for console output
type Styles struct {
	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	ToolLabel      lipgloss.Style
	SystemLabel    lipgloss.Style
	Body           lipgloss.Style
	Tool           lipgloss.Style
	Status         lipgloss.Style
	Success        lipgloss.Style
	Error          lipgloss.Style
	Billing        lipgloss.Style
	CodeBlock      lipgloss.Style
}

// DefaultStyles returns the colored styles
func DefaultStyles() Styles {
	return Styles{
		UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(ColorOrange),
		AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(ColorCyan),
		ToolLabel:      lipgloss.NewStyle().Bold(true).Foreground(ColorYellow),
		SystemLabel:    lipgloss.NewStyle().Bold(true).Foreground(ColorMuted),
		Body:           lipgloss.NewStyle().Foreground(ColorLight),
		Tool:           lipgloss.NewStyle().Foreground(ColorYellow).Italic(true),
		Status:         lipgloss.NewStyle().Foreground(ColorMuted),
		Success:        lipgloss.NewStyle().Foreground(ColorGreen),
		Error:          lipgloss.NewStyle().Bold(true).Foreground(ColorRed),
		Billing: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorOrange).
			Padding(0, 1),
		CodeBlock: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(ColorBlue).
			Padding(0, 1),
	}
}

// PlainStyles returns styles that add no escape codes or decoration
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		UserLabel:      plain,
		AssistantLabel: plain,
		ToolLabel:      plain,
		SystemLabel:    plain,
		Body:           plain,
		Tool:           plain,
		Status:         plain,
		Success:        plain,
		Error:          plain,
		Billing:        plain,
		CodeBlock:      plain,
	}
}
