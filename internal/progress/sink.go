package progress

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// TerminalSink renders an in-place progress line on a TTY.
type TerminalSink struct {
	w     io.Writer
	label string
}

// NewTerminalSink writes a single rewritten progress line to w.
func NewTerminalSink(w io.Writer, label string) *TerminalSink {
	return &TerminalSink{w: w, label: label}
}

func (s *TerminalSink) Update(snap Snapshot) {
	fmt.Fprintf(s.w, "\r\033[K%s", s.render(snap))
}

func (s *TerminalSink) Finish(snap Snapshot) {
	fmt.Fprintf(s.w, "\r\033[K%s\n", s.render(snap))
}

func (s *TerminalSink) render(snap Snapshot) string {
	const barWidth = 30
	filled := 0
	if snap.TotalBytes > 0 {
		filled = int(float64(barWidth) * float64(snap.Transferred) / float64(snap.TotalBytes))
		if filled > barWidth {
			filled = barWidth
		}
	} else if snap.Done {
		filled = barWidth
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	eta := "--:--"
	if snap.ETA > 0 {
		eta = formatDuration(snap.ETA)
	}

	return fmt.Sprintf("%s [%s] %5.1f%%  %s/s  %s  ETA %s",
		s.label, bar, snap.Percent,
		FormatBytes(int64(snap.Speed)),
		FormatBytes(snap.Transferred),
		eta)
}

// LogSink emits one structured log line per update. Used when stderr is
// not a terminal or in verbose mode.
type LogSink struct {
	logger *slog.Logger
	last   time.Time
}

// NewLogSink logs progress at most once per second via logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Update(snap Snapshot) {
	if time.Since(s.last) < time.Second {
		return
	}
	s.last = time.Now()
	s.logger.Info("transfer progress",
		"transferred", snap.Transferred,
		"total", snap.TotalBytes,
		"percent", fmt.Sprintf("%.1f", snap.Percent),
		"speed", FormatBytes(int64(snap.Speed))+"/s",
		"active_chunks", snap.ActiveChunks,
	)
}

func (s *LogSink) Finish(snap Snapshot) {
	s.logger.Info("transfer finished",
		"transferred", snap.Transferred,
		"total", snap.TotalBytes,
		"elapsed", snap.Elapsed.Round(time.Millisecond).String(),
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
