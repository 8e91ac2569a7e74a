// Package config loads reader settings from an INI file and prepares the
// program logger. Values follow the device vocabulary: booleans accept
// true/false, yes/no, on/off and 1/0 in any case; colors accept black, white
// or a 0-255 integer.
package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	ini "gopkg.in/ini.v1"

	"xtc/blocks"
	"xtc/storage"
)

// ReaderSettings control chapter layout. Every field that changes page
// geometry participates in the cache compatibility key.
type ReaderSettings struct {
	FontID           int
	Margins          int
	Alignment        blocks.Alignment
	ParagraphSpacing int // 0 none, 1 quarter line, 3 full line
	Indent           int // 0-3, em-space based first-line indent
	LineCompression  int // percent of the font line height, 50-150
	Hyphenation      bool
	ShowImages       bool
	ShowTables       bool
	TallImages       bool
}

// DisplaySettings are plain panel colors.
type DisplaySettings struct {
	Foreground uint8
	Background uint8
}

// Settings is the full settings file.
type Settings struct {
	Reader  ReaderSettings
	Display DisplaySettings
	Logging LoggingConfig
}

// Default returns the settings used when no file exists.
func Default() Settings {
	return Settings{
		Reader: ReaderSettings{
			FontID:          1,
			Margins:         8,
			Alignment:       blocks.Justified,
			Indent:          2,
			LineCompression: 100,
			Hyphenation:     true,
			ShowImages:      true,
			ShowTables:      true,
		},
		Display: DisplaySettings{Foreground: 0x00, Background: 0xFF},
		Logging: LoggingConfig{
			ConsoleLogger: LoggerConfig{Level: "normal"},
			FileLogger:    LoggerConfig{Level: "none", Mode: "append"},
		},
	}
}

// Load reads settings from path. A missing file yields defaults.
func Load(st storage.Storage, path string) (Settings, error) {
	if !st.Exists(path) {
		return Default(), nil
	}
	f, err := st.Open(path)
	if err != nil {
		return Default(), fmt.Errorf("open settings: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Default(), fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// Parse reads settings from INI text. Unknown keys are ignored; malformed
// values fall back to their defaults.
func Parse(data []byte) (Settings, error) {
	s := Default()

	file, err := ini.Load(data)
	if err != nil {
		return s, fmt.Errorf("parse settings: %w", err)
	}

	r := file.Section("reader")
	s.Reader.FontID = r.Key("font").MustInt(s.Reader.FontID)
	s.Reader.Margins = r.Key("margins").MustInt(s.Reader.Margins)
	s.Reader.Alignment = ParseAlignment(r.Key("alignment").String(), s.Reader.Alignment)
	s.Reader.ParagraphSpacing = r.Key("paragraph_spacing").MustInt(s.Reader.ParagraphSpacing)
	s.Reader.Indent = r.Key("indent").MustInt(s.Reader.Indent)
	s.Reader.LineCompression = r.Key("line_compression").MustInt(s.Reader.LineCompression)
	s.Reader.Hyphenation = ParseBool(r.Key("hyphenation").String(), s.Reader.Hyphenation)
	s.Reader.ShowImages = ParseBool(r.Key("show_images").String(), s.Reader.ShowImages)
	s.Reader.ShowTables = ParseBool(r.Key("show_tables").String(), s.Reader.ShowTables)
	s.Reader.TallImages = ParseBool(r.Key("tall_images").String(), s.Reader.TallImages)

	d := file.Section("display")
	s.Display.Foreground = ParseColor(d.Key("foreground").String(), s.Display.Foreground)
	s.Display.Background = ParseColor(d.Key("background").String(), s.Display.Background)

	l := file.Section("log")
	s.Logging.ConsoleLogger.Level = parseLogLevel(l.Key("console").String(), s.Logging.ConsoleLogger.Level)
	s.Logging.FileLogger.Level = parseLogLevel(l.Key("file").String(), s.Logging.FileLogger.Level)
	if dest := l.Key("file_path").String(); dest != "" {
		s.Logging.FileLogger.Destination = dest
	}
	if mode := strings.ToLower(l.Key("file_mode").String()); mode == "append" || mode == "overwrite" {
		s.Logging.FileLogger.Mode = mode
	}

	s.Reader.clamp()
	return s, nil
}

func (r *ReaderSettings) clamp() {
	if r.LineCompression < 50 {
		r.LineCompression = 50
	}
	if r.LineCompression > 150 {
		r.LineCompression = 150
	}
	if r.Indent < 0 {
		r.Indent = 0
	}
	if r.Indent > 3 {
		r.Indent = 3
	}
	if r.Margins < 0 {
		r.Margins = 0
	}
	if r.ParagraphSpacing < 0 {
		r.ParagraphSpacing = 0
	}
	if r.ParagraphSpacing > 3 {
		r.ParagraphSpacing = 3
	}
}

// Compression returns the line height multiplier.
func (r ReaderSettings) Compression() float64 { return float64(r.LineCompression) / 100 }

// FormatFlags packs every layout-affecting setting into the u16 stamped
// into cached chapter files. Any change invalidates existing caches.
func (r ReaderSettings) FormatFlags() uint16 {
	f := uint16(r.Alignment) & 0x3
	f |= uint16(r.ParagraphSpacing&0x3) << 2
	f |= uint16(r.Indent&0x3) << 4
	if r.Hyphenation {
		f |= 1 << 6
	}
	if r.ShowTables {
		f |= 1 << 7
	}
	if r.TallImages {
		f |= 1 << 8
	}
	// Compression is stored in 4% steps; finer changes than that do not
	// move line positions enough to matter.
	f |= uint16((r.LineCompression/4)&0x1F) << 9
	if r.ShowImages {
		f |= 1 << 14
	}
	return f
}

// ParseBool recognizes the settings-file boolean vocabulary; anything else
// returns def.
func ParseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1":
		return true
	case "false", "no", "off", "0":
		return false
	}
	return def
}

// ParseColor recognizes black, white and 0-255 integers.
func ParseColor(v string, def uint8) uint8 {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "black":
		return 0x00
	case "white":
		return 0xFF
	case "":
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 255 {
		return uint8(n)
	}
	return def
}

// ParseAlignment maps the settings names onto block alignments.
func ParseAlignment(v string, def blocks.Alignment) blocks.Alignment {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "justify", "justified":
		return blocks.Justified
	case "left":
		return blocks.LeftAlign
	case "center", "centre":
		return blocks.CenterAlign
	case "right":
		return blocks.RightAlign
	}
	return def
}

func parseLogLevel(v, def string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "none", "normal", "debug":
		return strings.ToLower(strings.TrimSpace(v))
	}
	return def
}
