package transcoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

var errNoVideoStream = errors.New("no video stream found")

// probeArgs returns the single ffprobe JSON invocation used for metadata.
func probeArgs(path string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	}
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	CodecName    string         `json:"codec_name"`
	CodecType    string         `json:"codec_type"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	BitRate      string         `json:"bit_rate"`
	Duration     string         `json:"duration"`
	AvgFrameRate string         `json:"avg_frame_rate"`
	RFrameRate   string         `json:"r_frame_rate"`
	Disposition  map[string]int `json:"disposition"`
}

// ParseProbe converts raw ffprobe JSON into VideoMetadata. The first video
// stream that is not an attached picture is used.
func ParseProbe(data []byte) (*models.VideoMetadata, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	var video *ffprobeStream
	for i := range raw.Streams {
		s := &raw.Streams[i]
		if s.CodecType == "video" && s.Disposition["attached_pic"] != 1 {
			video = s
			break
		}
	}
	if video == nil {
		return nil, errNoVideoStream
	}

	meta := &models.VideoMetadata{
		Duration: parseFloat(raw.Format.Duration),
		Width:    video.Width,
		Height:   video.Height,
		Codec:    video.CodecName,
		Bitrate:  parseInt64(video.BitRate),
		FPS:      parseFrameRate(video.AvgFrameRate),
		FileSize: parseInt64(raw.Format.Size),
		Format:   raw.Format.FormatName,
	}
	if meta.Duration <= 0 {
		meta.Duration = parseFloat(video.Duration)
	}
	if meta.Bitrate <= 0 {
		meta.Bitrate = parseInt64(raw.Format.BitRate)
	}
	if meta.FPS <= 0 {
		meta.FPS = parseFrameRate(video.RFrameRate)
	}
	return meta, nil
}

// parseFrameRate handles ffprobe's "num/den" notation.
func parseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
