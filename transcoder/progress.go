package transcoder

import (
	"strconv"
	"strings"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

// progressParser turns ffmpeg "-progress" key=value blocks into
// EncodeProgress events. A block ends with a "progress=" line.
type progressParser struct {
	quality  string
	duration float64

	frame    int64
	outUs    int64
	timeMark string
}

func newProgressParser(quality string, duration float64) *progressParser {
	return &progressParser{quality: quality, duration: duration}
}

// Feed consumes one line and reports an event when a block is complete.
func (p *progressParser) Feed(line string) (models.EncodeProgress, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return models.EncodeProgress{}, false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.frame = n
		}
	case "out_time_us":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.outUs = n
		}
	case "out_time":
		p.timeMark = value
		if p.outUs == 0 {
			if secs, ok := parseTimeMark(value); ok {
				p.outUs = int64(secs * 1e6)
			}
		}
	case "progress":
		ev := models.EncodeProgress{
			Quality:    p.quality,
			Percent:    p.percent(),
			FrameCount: p.frame,
			TimeMark:   p.timeMark,
		}
		if value == "end" {
			ev.Percent = 100
		}
		return ev, true
	}
	return models.EncodeProgress{}, false
}

func (p *progressParser) percent() float64 {
	if p.duration <= 0 || p.outUs <= 0 {
		return 0
	}
	pct := float64(p.outUs) / 1e6 / p.duration * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// parseTimeMark parses "HH:MM:SS.micro".
func parseTimeMark(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.ParseFloat(parts[0], 64)
	m, err2 := strconv.ParseFloat(parts[1], 64)
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return h*3600 + m*60 + sec, true
}
