package main

import "github.com/charmbracelet/lipgloss"

const (
	colorYellow = "#E3D367"
	colorBlue   = "#78CEE9"
	colorGreen  = "#9CD57B"
	colorGray   = "#82878B"
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorYellow))
	styleKey    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorBlue))
	styleCidr   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen))
	styleDns    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray))
)
