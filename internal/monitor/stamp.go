package monitor

import (
	"strings"
	"time"
)

// TimeFormat is the layout of line timestamps.
const TimeFormat = "15:04:05.000"

// Stamper turns raw channel bytes into display text. Carriage returns are
// dropped, and with Timestamps set every line is prefixed with the time its
// first byte arrived.
type Stamper struct {
	Timestamps bool
	Now        func() time.Time

	midLine bool
}

// Format converts one chunk. Lines may span chunks.
func (s *Stamper) Format(data []byte) string {
	text := strings.ReplaceAll(string(data), "\r", "")
	if !s.Timestamps || text == "" {
		return text
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	stamp := "[" + now().Format(TimeFormat) + "] "

	// Byte-wise so a UTF-8 sequence split across chunks passes through intact
	var b strings.Builder
	for i := 0; i < len(text); i++ {
		if !s.midLine {
			b.WriteString(stamp)
			s.midLine = true
		}
		b.WriteByte(text[i])
		if text[i] == '\n' {
			s.midLine = false
		}
	}
	return b.String()
}
