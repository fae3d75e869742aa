package main

import "github.com/charmbracelet/lipgloss"

// Styles for the diagnostic surfaces: the dry-run trace, the validation
// report, and the error line. Everything else is plain text.
var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	stageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)
