package main

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Color 终端颜色
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorCyan
	ColorBoldWhite
)

// ANSI 颜色代码
var ansiCodes = map[Color]string{
	ColorReset:     "\033[0m",
	ColorRed:       "\033[31m",
	ColorGreen:     "\033[32m",
	ColorYellow:    "\033[33m",
	ColorCyan:      "\033[36m",
	ColorBoldWhite: "\033[1;37m",
}

// colorsEnabled 是否启用颜色
var colorsEnabled = detectColorSupport(os.Stdout.Fd())

// detectColorSupport 检测终端是否支持颜色
func detectColorSupport(fd uintptr) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if strings.EqualFold(os.Getenv("TERM"), "dumb") {
		return false
	}
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Colorize 着色字符串
func Colorize(s string, color Color) string {
	if !colorsEnabled {
		return s
	}
	return ansiCodes[color] + s + ansiCodes[ColorReset]
}

func green(s string) string  { return Colorize(s, ColorGreen) }
func yellow(s string) string { return Colorize(s, ColorYellow) }
func red(s string) string    { return Colorize(s, ColorRed) }
func cyan(s string) string   { return Colorize(s, ColorCyan) }
func bold(s string) string   { return Colorize(s, ColorBoldWhite) }
