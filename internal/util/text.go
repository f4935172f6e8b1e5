package util

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// IsTextData checks if a byte slice is printable UTF-8 text
func IsTextData(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if r < 32 && r != 9 && r != 10 && r != 13 || r == 127 {
			return false
		}
	}
	return true
}

// HexDump formats data in hex dump format, one line per 16 bytes
func HexDump(data []byte) string {
	var b strings.Builder
	for i := 0; i < len(data); i += 16 {
		// Address
		fmt.Fprintf(&b, "%04x  ", i)

		// Hex bytes
		for j := 0; j < 16; j++ {
			if i+j < len(data) {
				fmt.Fprintf(&b, "%02x ", data[i+j])
			} else {
				b.WriteString("   ")
			}
			if j == 7 {
				b.WriteByte(' ')
			}
		}

		// ASCII
		b.WriteString(" |")
		for j := 0; j < 16 && i+j < len(data); j++ {
			c := data[i+j]
			if c >= 32 && c < 127 {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\n")
	}
	return b.String()
}

// Preview renders a message for one-line display: text as is, anything
// else as a length and leading hex bytes
func Preview(data []byte, max int) string {
	if IsTextData(data) {
		s := string(data)
		if utf8.RuneCountInString(s) > max {
			s = string([]rune(s)[:max]) + "…"
		}
		return s
	}
	n := min(len(data), max/3)
	suffix := ""
	if n < len(data) {
		suffix = " …"
	}
	return fmt.Sprintf("[%d bytes] % x%s", len(data), data[:n], suffix)
}
