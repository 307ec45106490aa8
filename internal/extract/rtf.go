package extract

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Groups whose content is formatting tables or metadata, not body text.
var rtfSkipDestinations = map[string]bool{
	"fonttbl":    true,
	"colortbl":   true,
	"stylesheet": true,
	"info":       true,
	"pict":       true,
	"header":     true,
	"footer":     true,
	"listtable":  true,
	"themedata":  true,
	"datastore":  true,
}

type rtfGroup struct {
	skip bool
	uc   int
}

func extractRTF(_ context.Context, data []byte) (string, error) {
	return stripRTF(string(data)), nil
}

func stripRTF(src string) string {
	var sb strings.Builder
	stack := []rtfGroup{{uc: 1}}
	cur := func() *rtfGroup { return &stack[len(stack)-1] }
	// pendingSkip counts fallback characters to drop after a \uN escape.
	pendingSkip := 0

	emit := func(s string) {
		if cur().skip {
			return
		}
		sb.WriteString(s)
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '{':
			stack = append(stack, *cur())
			pendingSkip = 0
		case '}':
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			pendingSkip = 0
		case '\r', '\n':
		case '\\':
			if i+1 >= len(src) {
				continue
			}
			next := src[i+1]
			switch {
			case next == '\\' || next == '{' || next == '}':
				i++
				if pendingSkip > 0 {
					pendingSkip--
					continue
				}
				emit(string(next))
			case next == '\'':
				if i+3 < len(src) {
					if b, err := strconv.ParseUint(src[i+2:i+4], 16, 8); err == nil {
						i += 3
						if pendingSkip > 0 {
							pendingSkip--
							continue
						}
						emit(string(charmap.Windows1252.DecodeByte(byte(b))))
						continue
					}
				}
				i++
			case next == '*':
				cur().skip = true
				i++
			case next == '~':
				emit(" ")
				i++
			case next == '_':
				emit("-")
				i++
			case isASCIILetter(next):
				j := i + 1
				for j < len(src) && isASCIILetter(src[j]) {
					j++
				}
				word := src[i+1 : j]
				k := j
				if k < len(src) && (src[k] == '-' || isDigit(src[k])) {
					k++
					for k < len(src) && isDigit(src[k]) {
						k++
					}
				}
				param := src[j:k]
				if k < len(src) && src[k] == ' ' {
					k++
				}
				i = k - 1
				switch word {
				case "par", "line", "sect", "page":
					emit("\n")
				case "tab":
					emit("\t")
				case "uc":
					if n, err := strconv.Atoi(param); err == nil && n >= 0 {
						cur().uc = n
					}
				case "u":
					if n, err := strconv.Atoi(param); err == nil {
						if n < 0 {
							n += 65536
						}
						emit(string(rune(n)))
						pendingSkip = cur().uc
					}
				default:
					if rtfSkipDestinations[word] {
						cur().skip = true
					}
				}
			default:
				// Other control symbols carry no text.
				i++
			}
		default:
			if pendingSkip > 0 {
				pendingSkip--
				continue
			}
			if !cur().skip {
				sb.WriteByte(c)
			}
		}
	}
	return sb.String()
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
