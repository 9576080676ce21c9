package parser

import (
	"strings"

	"github.com/cubewise-code/rushti/internal/errs"
)

// tokenizeLine splits a "key=value key2=value2" line into an ordered list
// of key/value pairs. Values may be bare or double-quoted; quoted values
// preserve embedded whitespace and support backslash-escaping of '"' and
// '\' (spec §6 "Wire compatibility requirements"). Order is preserved so
// that a parameters map built from it can report deterministic signatures.
type kv struct {
	Key   string
	Value string
}

func tokenizeLine(line string) ([]kv, error) {
	var out []kv
	i := 0
	n := len(line)

	skipSpace := func() {
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
	}

	for {
		skipSpace()
		if i >= n {
			break
		}
		start := i
		for i < n && line[i] != '=' && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		if i >= n || line[i] != '=' {
			// bare token with no '=' - only valid for the literal "wait" keyword,
			// handled by the caller; surface it as a key with empty value.
			out = append(out, kv{Key: line[start:i]})
			continue
		}
		key := line[start:i]
		i++ // consume '='

		var value strings.Builder
		if i < n && line[i] == '"' {
			i++
			closed := false
			for i < n {
				c := line[i]
				if c == '\\' && i+1 < n && (line[i+1] == '"' || line[i+1] == '\\') {
					value.WriteByte(line[i+1])
					i += 2
					continue
				}
				if c == '"' {
					i++
					closed = true
					break
				}
				value.WriteByte(c)
				i++
			}
			if !closed {
				return nil, errs.New(errs.KindParseError, "unclosed quote in line: "+line)
			}
		} else {
			start = i
			for i < n && line[i] != ' ' && line[i] != '\t' {
				i++
			}
			value.WriteString(line[start:i])
		}

		out = append(out, kv{Key: key, Value: value.String()})
	}
	return out, nil
}

// stripBOM removes a leading UTF-8 byte order mark, per spec §6.
func stripBOM(b []byte) []byte {
	bom := []byte{0xEF, 0xBB, 0xBF}
	if len(b) >= 3 && b[0] == bom[0] && b[1] == bom[1] && b[2] == bom[2] {
		return b[3:]
	}
	return b
}

// isCommentOrBlank reports whether a trimmed line is blank or a '#' comment.
func isCommentOrBlank(trimmed string) bool {
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}
