// Package progress renders encode progress as a single tqdm-style meter line,
// for example " 40%|████▍      | 40/100 [00:12<00:18,  3.33it/s]".
package progress

import (
	"fmt"
	"strings"
	"time"
)

// Width is the total column budget of a meter line.
const Width = 80

var fractions = []string{"", "▏", "▎", "▍", "▌", "▋", "▊", "▉"}

// FormatMeter renders n out of total units done after elapsed time. n is
// clamped to [0,total].
func FormatMeter(n, total int, elapsed time.Duration) string {
	if total <= 0 {
		total = 100
	}
	n = min(max(n, 0), total)
	frac := float64(n) / float64(total)

	rate := "?it/s"
	remaining := "?"
	if n > 0 && elapsed > 0 {
		perSec := float64(n) / elapsed.Seconds()
		if perSec >= 1 {
			rate = fmt.Sprintf("%5.2fit/s", perSec)
		} else {
			rate = fmt.Sprintf("%5.2fs/it", 1/perSec)
		}
		left := time.Duration(float64(total-n) / perSec * float64(time.Second))
		remaining = FormatInterval(left)
	}

	head := fmt.Sprintf("%3d%%|", int(frac*100))
	tail := fmt.Sprintf("| %d/%d [%s<%s, %s]", n, total, FormatInterval(elapsed), remaining, rate)

	barWidth := max(Width-len(head)-len(tail), 1)
	return head + bar(frac, barWidth) + tail
}

func bar(frac float64, width int) string {
	eighths := int(frac * float64(width) * 8)
	full, part := eighths/8, eighths%8

	var b strings.Builder
	b.WriteString(strings.Repeat("█", full))
	used := full
	if full < width && part > 0 {
		b.WriteString(fractions[part])
		used++
	}
	b.WriteString(strings.Repeat(" ", width-used))
	return b.String()
}

// FormatInterval prints MM:SS, or H:MM:SS past the hour.
func FormatInterval(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, secs/60%60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
