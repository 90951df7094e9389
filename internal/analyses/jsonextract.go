package analyses

import (
	"bytes"
	"encoding/json"
	"errors"
)

var (
	errNoJSONObject   = errors.New("no JSON object in model output")
	errUnparsableJSON = errors.New("model output is not valid JSON")
)

// ExtractJSONObject pulls the JSON object out of raw model output. It first
// tries the span from the first '{' to the last '}'. When that span does not
// parse, it scans for the first balanced object that does.
func ExtractJSONObject(raw string) ([]byte, error) {
	data := []byte(raw)
	start := bytes.IndexByte(data, '{')
	end := bytes.LastIndexByte(data, '}')
	if start < 0 || end <= start {
		return nil, errNoJSONObject
	}

	candidate := data[start : end+1]
	if json.Valid(candidate) {
		return candidate, nil
	}

	for offset := start; offset < len(data); {
		next := bytes.IndexByte(data[offset:], '{')
		if next < 0 {
			break
		}
		open := offset + next
		// An unclosed brace in prose must not hide a later object.
		if close := matchBrace(data, open); close >= 0 {
			if obj := data[open : close+1]; json.Valid(obj) {
				return obj, nil
			}
		}
		offset = open + 1
	}
	return nil, errUnparsableJSON
}

// matchBrace returns the index of the '}' closing the '{' at open, ignoring
// braces inside JSON strings, or -1 when the object never closes.
func matchBrace(data []byte, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
