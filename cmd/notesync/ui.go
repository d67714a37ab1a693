package main

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

func renderAccent(s string) string  { return accentStyle.Render(s) }
func renderSuccess(s string) string { return successStyle.Render(s) }
func renderWarn(s string) string    { return warnStyle.Render(s) }
func renderError(s string) string   { return errorStyle.Render(s) }
func renderDim(s string) string     { return dimStyle.Render(s) }
