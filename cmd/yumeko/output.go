package main

import (
	"fmt"
	"os"
)

// ANSI escapes for terminal output. Status lines go to stderr; only the
// persona's replies go to stdout, so piped output stays clean.
const (
	ansiReset   = "\033[0m"
	ansiRed     = "\033[31m"
	ansiGreen   = "\033[32m"
	ansiYellow  = "\033[33m"
	ansiMagenta = "\033[35m"
	ansiBold    = "\033[1m"
)

func paint(code, text string) string {
	if noColor {
		return text
	}
	return code + text + ansiReset
}

// printTag writes one stderr line with a colored one-word tag, the
// shape every status message in this CLI shares.
func printTag(code, tag, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", paint(code, tag), fmt.Sprintf(format, args...))
}

func printSuccess(format string, args ...any) { printTag(ansiGreen, "ok", format, args...) }
func printError(format string, args ...any)   { printTag(ansiRed, "error", format, args...) }
func printWarning(format string, args ...any) { printTag(ansiYellow, "warn", format, args...) }
func printStep(format string, args ...any)    { printTag(ansiBold, "::", format, args...) }

// printStatus renders one "label: value" row of a status listing.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", paint(ansiBold, label+":"), fmt.Sprintf(format, args...))
}

// printHeading writes a bold section heading to stderr.
func printHeading(text string) {
	fmt.Fprintln(os.Stderr, paint(ansiBold, text))
}

// printReply writes one chunk of the persona's reply to stdout.
func printReply(text string) {
	fmt.Fprintln(os.Stdout, paint(ansiMagenta, text))
}
