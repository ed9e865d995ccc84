package frame

import (
	"unicode/utf16"
	"unicode/utf8"
)

const hexDigits = "0123456789abcdef"

// maxEscapedLen is the most output bytes a single input byte can expand to (\u00XX or \udcXX).
const maxEscapedLen = 6

// appendQuoted appends b to dst as a quoted JSON string.
// Bytes that are not part of a valid UTF-8 sequence are written as \udcXX so they survive the trip.
func appendQuoted(dst, b []byte) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(b); {
		c := b[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"', '\\':
				dst = append(dst, '\\', c)
			case '\n':
				dst = append(dst, '\\', 'n')
			case '\r':
				dst = append(dst, '\\', 'r')
			case '\t':
				dst = append(dst, '\\', 't')
			case '\b':
				dst = append(dst, '\\', 'b')
			case '\f':
				dst = append(dst, '\\', 'f')
			default:
				if c < 0x20 {
					dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
				} else {
					dst = append(dst, c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, '\\', 'u', 'd', 'c', hexDigits[c>>4], hexDigits[c&0xf])
			i++
			continue
		}
		dst = append(dst, b[i:i+size]...)
		i += size
	}
	return append(dst, '"')
}

// unquote decodes the JSON string at the start of data, returning the bytes it represents and the
// number of input bytes consumed. Lone surrogates \udc80-\udcff decode to the raw byte they carry.
func unquote(data []byte) ([]byte, int, error) {
	if len(data) == 0 || data[0] != '"' {
		return nil, 0, malformed("expected string")
	}
	out := make([]byte, 0, len(data))
	for i := 1; i < len(data); {
		c := data[i]
		switch {
		case c == '"':
			return out, i + 1, nil
		case c < 0x20:
			return nil, 0, malformed("control character 0x%02x in string", c)
		case c != '\\':
			out = append(out, c)
			i++
			continue
		}

		if i+1 >= len(data) {
			return nil, 0, malformed("unterminated string")
		}
		switch data[i+1] {
		case '"', '\\', '/':
			out = append(out, data[i+1])
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'u':
			r, ok := hex4(data[i+2:])
			if !ok {
				return nil, 0, malformed("invalid \\u escape")
			}
			i += 6
			switch {
			case r >= 0xdc80 && r <= 0xdcff:
				out = append(out, byte(r&0xff))
				continue
			case utf16.IsSurrogate(r):
				if len(data) > i+1 && data[i] == '\\' && data[i+1] == 'u' {
					if r2, ok := hex4(data[i+2:]); ok {
						if dec := utf16.DecodeRune(r, r2); dec != utf8.RuneError {
							out = utf8.AppendRune(out, dec)
							i += 6
							continue
						}
					}
				}
				r = utf8.RuneError
			}
			out = utf8.AppendRune(out, r)
			continue
		default:
			return nil, 0, malformed("invalid escape \\%c", data[i+1])
		}
		i += 2
	}
	return nil, 0, malformed("unterminated string")
}

func hex4(b []byte) (rune, bool) {
	if len(b) < 4 {
		return 0, false
	}
	var r rune
	for _, c := range b[:4] {
		switch {
		case c >= '0' && c <= '9':
			c -= '0'
		case c >= 'a' && c <= 'f':
			c = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			c = c - 'A' + 10
		default:
			return 0, false
		}
		r = r<<4 | rune(c)
	}
	return r, true
}
