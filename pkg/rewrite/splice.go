package rewrite

import (
	"bytes"
	"html"
)

// attrSpan locates one attribute inside a raw start tag.
type attrSpan struct {
	key      string
	nameEnd  int
	valStart int
	valEnd   int
	quote    byte // 0 when unquoted
	hasValue bool
}

// spliceAttrs applies edits to the raw bytes of a start tag, leaving every
// byte outside the edited values untouched. Attributes that do not exist are
// appended before the closing bracket.
func spliceAttrs(raw []byte, edits []attrEdit) []byte {
	spans := scanAttrs(raw)

	var buf bytes.Buffer
	buf.Grow(len(raw) + 64)
	pos := 0
	done := make([]bool, len(edits))

	for _, sp := range spans {
		i := findEdit(edits, sp.key, done)
		if i < 0 {
			continue
		}
		done[i] = true
		ed := edits[i]

		if !sp.hasValue {
			buf.Write(raw[pos:sp.nameEnd])
			buf.WriteString(`="`)
			buf.WriteString(html.EscapeString(ed.prefix + ed.value))
			buf.WriteByte('"')
			pos = sp.nameEnd
			continue
		}

		if sp.quote == 0 {
			buf.Write(raw[pos:sp.valStart])
			buf.WriteByte('"')
			writeValue(&buf, ed, bytes.ReplaceAll(raw[sp.valStart:sp.valEnd], []byte(`"`), []byte("&#34;")))
			buf.WriteByte('"')
		} else {
			buf.Write(raw[pos:sp.valStart])
			writeValue(&buf, ed, raw[sp.valStart:sp.valEnd])
		}
		pos = sp.valEnd
	}

	closeAt := len(raw) - 1
	if bytes.HasSuffix(raw, []byte("/>")) {
		closeAt = len(raw) - 2
	}
	if closeAt < pos {
		closeAt = pos
	}
	buf.Write(raw[pos:closeAt])
	for i, ed := range edits {
		if done[i] || ed.keep {
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(ed.key)
		buf.WriteString(`="`)
		buf.WriteString(html.EscapeString(ed.value))
		buf.WriteByte('"')
	}
	buf.Write(raw[closeAt:])
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, ed attrEdit, original []byte) {
	if ed.keep {
		buf.WriteString(html.EscapeString(ed.prefix))
		buf.Write(original)
		return
	}
	buf.WriteString(html.EscapeString(ed.value))
}

func findEdit(edits []attrEdit, key string, done []bool) int {
	for i, ed := range edits {
		if !done[i] && ed.key == key {
			return i
		}
	}
	return -1
}

// scanAttrs follows the tokenizer's attribute rules closely enough to find
// value boundaries in a tag the tokenizer has already accepted.
func scanAttrs(raw []byte) []attrSpan {
	var spans []attrSpan
	n := len(raw)
	i := 1 // skip '<'
	for i < n && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' {
		i++
	}

	for i < n {
		for i < n && (isSpace(raw[i]) || raw[i] == '/') {
			i++
		}
		if i >= n || raw[i] == '>' {
			break
		}

		nameStart := i
		i++ // a leading '=' is part of the name
		for i < n && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' && raw[i] != '=' {
			i++
		}
		sp := attrSpan{key: string(bytes.ToLower(raw[nameStart:i])), nameEnd: i}

		j := i
		for j < n && isSpace(raw[j]) {
			j++
		}
		if j < n && raw[j] == '=' {
			j++
			for j < n && isSpace(raw[j]) {
				j++
			}
			sp.hasValue = true
			if j < n && (raw[j] == '"' || raw[j] == '\'') {
				sp.quote = raw[j]
				sp.valStart = j + 1
				k := bytes.IndexByte(raw[sp.valStart:], sp.quote)
				if k < 0 {
					k = n - sp.valStart
				}
				sp.valEnd = sp.valStart + k
				i = sp.valEnd + 1
			} else {
				sp.valStart = j
				for j < n && !isSpace(raw[j]) && raw[j] != '>' {
					j++
				}
				sp.valEnd = j
				i = j
			}
		}
		spans = append(spans, sp)
	}
	return spans
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f'
}
