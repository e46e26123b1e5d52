package linter

import "strings"

// DocumentNode builds the syntax node passed to rules: a root spanning the
// whole source whose children are the blank-line separated blocks of text.
// Offsets are byte offsets; lines and columns are 1-based, columns counted
// in bytes.
func DocumentNode(source string) map[string]any {
	children := []any{}

	lineStart := 0
	line := 1
	blockStart, blockLine := -1, 0
	blockEnd, blockEndLine, blockEndCol := 0, 0, 0

	flush := func() {
		if blockStart < 0 {
			return
		}
		children = append(children, map[string]any{
			"type":     "paragraph",
			"value":    source[blockStart:blockEnd],
			"position": position(blockLine, 1, blockStart, blockEndLine, blockEndCol, blockEnd),
		})
		blockStart = -1
	}

	for lineStart <= len(source) {
		end := strings.IndexByte(source[lineStart:], '\n')
		last := end < 0
		if last {
			end = len(source)
		} else {
			end += lineStart
		}

		text := strings.TrimRight(source[lineStart:end], "\r")
		if strings.TrimSpace(text) == "" {
			flush()
		} else {
			if blockStart < 0 {
				blockStart, blockLine = lineStart, line
			}
			blockEnd = lineStart + len(text)
			blockEndLine, blockEndCol = line, len(text)+1
		}

		if last {
			break
		}
		lineStart = end + 1
		line++
	}
	flush()

	endLine, endCol := line, len(source)-lineStart+1
	return map[string]any{
		"type":     "root",
		"children": children,
		"position": position(1, 1, 0, endLine, endCol, len(source)),
	}
}

func position(startLine, startCol, startOffset, endLine, endCol, endOffset int) map[string]any {
	return map[string]any{
		"start": map[string]any{"line": startLine, "column": startCol, "offset": startOffset},
		"end":   map[string]any{"line": endLine, "column": endCol, "offset": endOffset},
	}
}
