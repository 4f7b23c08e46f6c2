package transport

import "strings"

// Field is one name/value pair of a form body. Order is preserved on the wire.
type Field struct {
	Name  string
	Value string
}

// FormContentType is the Content-Type of FormBody output.
const FormContentType = "application/x-www-form-urlencoded"

// FormBody encodes fields, percent-encoding every byte outside the RFC 3986
// unreserved set (spaces become %20, brackets are escaped).
func FormBody(fields []Field) []byte {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte('&')
		}
		escape(&sb, f.Name)
		sb.WriteByte('=')
		escape(&sb, f.Value)
	}
	return []byte(sb.String())
}

const upperhex = "0123456789ABCDEF"

func escape(sb *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&15])
	}
}

func unreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
