package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const jsonWhitespace = " \t\r\n"

// DecodeSource decodes the JSON string literal wrapping a document's source
// text. Anything that cannot be represented as text without substitution is
// rejected: non-string values, invalid UTF-8 and unpaired surrogate escapes.
func DecodeSource(sourceJSON string) (string, error) {
	if !utf8.ValidString(sourceJSON) {
		return "", errors.New("source JSON is not valid UTF-8")
	}

	trimmed := strings.Trim(sourceJSON, jsonWhitespace)
	if trimmed == "" || trimmed[0] != '"' {
		return "", errors.New("source JSON is not a string")
	}
	if err := checkSurrogates(trimmed); err != nil {
		return "", err
	}

	var source string
	if err := json.Unmarshal([]byte(trimmed), &source); err != nil {
		return "", err
	}
	return source, nil
}

// EncodeSource wraps source text as a JSON string literal.
func EncodeSource(source string) (string, error) {
	if !utf8.ValidString(source) {
		return "", errors.New("source is not valid UTF-8")
	}
	data, err := json.Marshal(source)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// checkSurrogates rejects \u escapes that encode half of a surrogate pair.
// Malformed escapes are left for the JSON decoder to report.
func checkSurrogates(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			continue
		}
		i++
		if i >= len(s) || s[i] != 'u' {
			continue
		}

		r, ok := hex4(s, i+1)
		if !ok {
			continue
		}
		i += 4

		switch {
		case r >= 0xd800 && r <= 0xdbff:
			if i+6 < len(s) && s[i+1] == '\\' && s[i+2] == 'u' {
				if lo, ok := hex4(s, i+3); ok && lo >= 0xdc00 && lo <= 0xdfff {
					i += 6
					continue
				}
			}
			return fmt.Errorf("unpaired surrogate \\u%04x", r)
		case r >= 0xdc00 && r <= 0xdfff:
			return fmt.Errorf("unpaired surrogate \\u%04x", r)
		}
	}
	return nil
}

func hex4(s string, at int) (rune, bool) {
	if at+4 > len(s) {
		return 0, false
	}
	var r rune
	for _, c := range []byte(s[at : at+4]) {
		r <<= 4
		switch {
		case c >= '0' && c <= '9':
			r |= rune(c - '0')
		case c >= 'a' && c <= 'f':
			r |= rune(c - 'a' + 10)
		case c >= 'A' && c <= 'F':
			r |= rune(c - 'A' + 10)
		default:
			return 0, false
		}
	}
	return r, true
}
