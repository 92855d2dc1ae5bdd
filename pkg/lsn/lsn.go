// Package lsn provides parsing, comparison, and formatting of PostgreSQL
// log sequence numbers in their textual "HHHH/HHHH" form.
package lsn

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// LSN is a position in the PostgreSQL write-ahead log.
type LSN = pglogrepl.LSN

// Zero is the sentinel position before any data ("0/0").
const Zero = LSN(0)

// ErrMalformed is returned by Parse for inputs that are not of the
// form "HHHH/HHHH" with both halves valid 32-bit hex integers.
var ErrMalformed = errors.New("malformed LSN")

// Parse converts the textual form into an LSN. The input must be
// hex "/" hex with each half fitting in 32 bits.
func Parse(s string) (LSN, error) {
	hi, lo, ok := splitHex(s)
	if !ok {
		return Zero, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return LSN(uint64(hi)<<32 | uint64(lo)), nil
}

// MustParse is Parse for inputs known to be well-formed, such as literals
// in tests. It panics on malformed input.
func MustParse(s string) LSN {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b. It never allocates.
func Compare(a, b LSN) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Format returns the canonical textual form of l.
func Format(l LSN) string {
	return l.String()
}

func splitHex(s string) (hi, lo uint32, ok bool) {
	i := 0
	hi, i, ok = scanHex32(s, i)
	if !ok || i >= len(s) || s[i] != '/' {
		return 0, 0, false
	}
	lo, i, ok = scanHex32(s, i+1)
	if !ok || i != len(s) {
		return 0, 0, false
	}
	return hi, lo, true
}

func scanHex32(s string, start int) (uint32, int, bool) {
	var v uint64
	i := start
	for ; i < len(s); i++ {
		var d uint64
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return uint32(v), i, i > start
		}
		v = v<<4 | d
		if v > 0xFFFFFFFF {
			return 0, i, false
		}
	}
	return uint32(v), i, i > start
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
