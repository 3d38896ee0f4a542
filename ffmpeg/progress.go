package ffmpeg

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var reDuration = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// parseDuration extracts the input duration, in microseconds, from an
// ffmpeg stderr line such as "  Duration: 00:23:40.05, start: 0.000000".
func parseDuration(line string) (int64, bool) {
	m := reDuration.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	return hmsToMicros(m[1], m[2], m[3])
}

// parseClock parses "HH:MM:SS.ffffff" as written by out_time=.
func parseClock(s string) (int64, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}
	return hmsToMicros(parts[0], parts[1], parts[2])
}

func hmsToMicros(h, m, s string) (int64, bool) {
	hours, err1 := strconv.ParseInt(h, 10, 64)
	mins, err2 := strconv.ParseInt(m, 10, 64)
	secs, err3 := strconv.ParseFloat(s, 64)
	if err1 != nil || err2 != nil || err3 != nil || hours < 0 || mins < 0 || secs < 0 {
		return 0, false
	}
	return (hours*3600+mins*60)*1_000_000 + int64(math.Round(secs*1_000_000)), true
}

// progressParser turns the key=value blocks of `-progress` output into
// percentages. A block ends with a progress= line.
type progressParser struct {
	outUs int64
}

// feed consumes one line. It returns a percentage when the line closes a
// block; with an unknown durationUs that percentage is 0 until the end.
func (pp *progressParser) feed(line string, durationUs int64) (int, bool) {
	key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// out_time_ms is also in microseconds.
		if v, err := strconv.ParseInt(val, 10, 64); err == nil && v >= 0 {
			pp.outUs = v
		}
	case "out_time":
		if v, ok := parseClock(val); ok {
			pp.outUs = v
		}
	case "progress":
		if val == "end" {
			return 100, true
		}
		// Every block is a tick, even before the duration is known.
		if durationUs <= 0 {
			return 0, true
		}
		pct := int(pp.outUs * 100 / durationUs)
		return min(max(pct, 0), 100), true
	}
	return 0, false
}
