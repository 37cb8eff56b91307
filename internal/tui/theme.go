package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Harvest Host palette
var (
	ColorBackground = lipgloss.Color("#0e1210")
	ColorSurface    = lipgloss.Color("#151b17")
	ColorBorder     = lipgloss.Color("#2a332d")

	// Accent (Harvest Green)
	ColorAccent    = lipgloss.Color("#3ddc84")
	ColorAccentDim = lipgloss.Color("#1d6b41")

	ColorSuccess = lipgloss.Color("#30d158")
	ColorWarning = lipgloss.Color("#ffd60a")
	ColorError   = lipgloss.Color("#ff453a")
	ColorInfo    = lipgloss.Color("#64d2ff")

	ColorTextPrimary   = lipgloss.Color("#f2f5f3")
	ColorTextSecondary = lipgloss.Color("#c4ccc7")
	ColorTextMuted     = lipgloss.Color("#7a847d")
)

// Theme contains all styled components.
type Theme struct {
	App   lipgloss.Style
	Panel lipgloss.Style

	Logo      lipgloss.Style
	Subtitle  lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	ValueDim  lipgloss.Style
	Spinner   lipgloss.Style
	EventTime lipgloss.Style
	EventName lipgloss.Style

	StatusConnected    lipgloss.Style
	StatusConnecting   lipgloss.Style
	StatusDisconnected lipgloss.Style

	BadgeRunning lipgloss.Style
	BadgeStopped lipgloss.Style

	DialogContainer lipgloss.Style
	DialogTitle     lipgloss.Style
	DialogBody      lipgloss.Style

	FooterKey   lipgloss.Style
	FooterLabel lipgloss.Style
}

// DefaultTheme is the standard dark theme.
var DefaultTheme = &Theme{
	App: lipgloss.NewStyle().Padding(1, 2),

	Panel: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 2),

	Logo:     lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTextMuted),
	Label:    lipgloss.NewStyle().Foreground(ColorTextMuted).Width(14),
	Value:    lipgloss.NewStyle().Foreground(ColorTextPrimary),
	ValueDim: lipgloss.NewStyle().Foreground(ColorTextSecondary),
	Spinner:  lipgloss.NewStyle().Foreground(ColorAccent),

	EventTime: lipgloss.NewStyle().Foreground(ColorTextMuted),
	EventName: lipgloss.NewStyle().Foreground(ColorInfo),

	StatusConnected:    lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true),
	StatusConnecting:   lipgloss.NewStyle().Foreground(ColorWarning),
	StatusDisconnected: lipgloss.NewStyle().Foreground(ColorError),

	BadgeRunning: lipgloss.NewStyle().Foreground(ColorSuccess),
	BadgeStopped: lipgloss.NewStyle().Foreground(ColorTextMuted),

	DialogContainer: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(1, 3),
	DialogTitle: lipgloss.NewStyle().Foreground(ColorTextPrimary).Bold(true),
	DialogBody:  lipgloss.NewStyle().Foreground(ColorTextSecondary),

	FooterKey:   lipgloss.NewStyle().Foreground(ColorAccent),
	FooterLabel: lipgloss.NewStyle().Foreground(ColorTextMuted),
}
