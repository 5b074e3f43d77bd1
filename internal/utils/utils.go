package utils

import (
	"path/filepath"
	"strings"

	"github.com/cristianradulescu/perltidy-ls/internal/config"
	"go.lsp.dev/protocol"
)

func URIToPath(uri protocol.DocumentURI) string {
	if strings.HasPrefix(string(uri), "file://") {
		return uri.Filename()
	}
	return string(uri)
}

// Find the project root directory by looking for a config file
func FindProjectRoot(filePath string) string {
	dir := filepath.Dir(filePath)

	for {
		if _, found := config.FindConfigFile(dir); found {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	// If no config found, use the directory of the file
	return filepath.Dir(filePath)
}

func EnsureTextEditsArray(edits []protocol.TextEdit) []protocol.TextEdit {
	if edits == nil {
		return make([]protocol.TextEdit, 0)
	}
	return edits
}

// PositionToOffset maps an LSP position (UTF-16 columns) to a byte offset in
// text. A line past the last one maps to len(text); a character past the end
// of its line maps to the end of the line, before the line terminator.
func PositionToOffset(text string, pos protocol.Position) int {
	lineStart := 0
	for line := uint32(0); line < pos.Line; line++ {
		next := strings.IndexByte(text[lineStart:], '\n')
		if next < 0 {
			return len(text)
		}
		lineStart += next + 1
	}

	lineEnd := len(text)
	if next := strings.IndexByte(text[lineStart:], '\n'); next >= 0 {
		lineEnd = lineStart + next
		if lineEnd > lineStart && text[lineEnd-1] == '\r' {
			lineEnd--
		}
	}

	units := uint32(0)
	for i, r := range text[lineStart:lineEnd] {
		if units >= pos.Character {
			return lineStart + i
		}
		units += utf16Len(r)
	}

	return lineEnd
}

// OffsetToPosition is the inverse of PositionToOffset.
func OffsetToPosition(text string, offset int) protocol.Position {
	if offset > len(text) {
		offset = len(text)
	}

	var pos protocol.Position
	for _, r := range text[:offset] {
		if r == '\n' {
			pos.Line++
			pos.Character = 0
			continue
		}
		pos.Character += utf16Len(r)
	}

	return pos
}

// RangeText returns the part of text covered by r.
func RangeText(text string, r protocol.Range) string {
	start := PositionToOffset(text, r.Start)
	end := PositionToOffset(text, r.End)
	if end < start {
		return ""
	}
	return text[start:end]
}

// DocumentRange returns the range covering all of text.
func DocumentRange(text string) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: 0, Character: 0},
		End:   OffsetToPosition(text, len(text)),
	}
}

func utf16Len(r rune) uint32 {
	if r >= 0x10000 {
		return 2
	}
	return 1
}
