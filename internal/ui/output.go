// Package ui prints user-facing progress output for the CLI.
package ui

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

const headerWidth = 60

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	stepColor    = color.New(color.FgBlue)
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgWhite)
)

// Header prints a banner line around the given title.
func Header(title string) {
	rule := strings.Repeat("=", headerWidth)
	headerColor.Println(rule)
	headerColor.Println(center(title, headerWidth))
	headerColor.Println(rule)
}

// Step prints a numbered progress step.
func Step(current, total int, msg string) {
	stepColor.Printf("[%d/%d] %s\n", current, total, msg)
}

// Success prints a completion message.
func Success(msg string) {
	successColor.Printf("✓ %s\n", msg)
}

// Warning prints a non-fatal problem.
func Warning(msg string) {
	warningColor.Printf("! %s\n", msg)
}

// Error prints a failure message.
func Error(msg string) {
	errorColor.Printf("✗ %s\n", msg)
}

// Info prints a neutral detail line.
func Info(msg string) {
	infoColor.Printf("  %s\n", msg)
}

// Infof prints a formatted detail line.
func Infof(format string, args ...any) {
	Info(fmt.Sprintf(format, args...))
}

// center left-pads text to sit in the middle of width. Text wider than
// width is returned unchanged.
func center(text string, width int) string {
	if len(text) >= width {
		return text
	}
	return strings.Repeat(" ", (width-len(text))/2) + text
}
