package transcoder

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

const (
	VariantManifest = "index.m3u8"
	segmentPattern  = "segment_%03d.ts"
)

// buildEncodeArgs constructs the ffmpeg arguments for one HLS variant. The
// skeleton is shared between codec paths; only the pre-input device, the
// filter chain and the codec section differ.
func buildEncodeArgs(input, outDir string, q models.Quality, hw Hardware, segmentSeconds int) []string {
	args := make([]string, 0, 64)

	args = append(args, "-hide_banner", "-nostdin", "-y", "-loglevel", "error")
	args = append(args, "-progress", "pipe:1", "-nostats")

	if hw.Accel == AccelVAAPI && hw.Available() {
		args = append(args, "-vaapi_device", hw.Device)
	}

	args = append(args, "-i", input)
	args = append(args, "-map", "0:v:0", "-map", "0:a:0?")

	// --- Video filter chain ---
	if hw.Accel == AccelVAAPI && hw.Available() {
		args = append(args, "-vf", fmt.Sprintf("format=nv12,hwupload,scale_vaapi=w=-2:h=%d", q.Height))
	} else {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", q.Height))
	}

	// --- Video codec ---
	args = appendVideoCodec(args, q, hw)

	// Keyframes on segment boundaries keep segment durations fixed.
	args = append(args,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segmentSeconds),
		"-sc_threshold", "0",
	)

	// --- Audio ---
	args = append(args, "-c:a", "aac", "-b:a", q.AudioBitrate, "-ac", "2")

	// --- HLS muxer ---
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outDir, segmentPattern),
		filepath.Join(outDir, VariantManifest),
	)
	return args
}

func appendVideoCodec(args []string, q models.Quality, hw Hardware) []string {
	rate := []string{"-b:v", q.VideoBitrate, "-maxrate", q.MaxRate, "-bufsize", q.BufSize}

	switch {
	case hw.Accel == AccelNVENC && hw.Available():
		args = append(args, "-c:v", hw.Encoder, "-preset", "p4", "-rc", "vbr", "-profile:v", q.Profile)
	case hw.Accel == AccelVAAPI && hw.Available():
		args = append(args, "-c:v", hw.Encoder, "-profile:v", q.Profile)
	case hw.Accel == AccelVideoToolbox && hw.Available():
		args = append(args, "-c:v", hw.Encoder, "-profile:v", q.Profile, "-allow_sw", "1")
	default:
		args = append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-profile:v", q.Profile,
			"-pix_fmt", "yuv420p",
		)
	}
	return append(args, rate...)
}

// buildThumbnailArgs grabs a single frame at the given offset.
func buildThumbnailArgs(input, outPath string, atSeconds float64) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-ss", strconv.FormatFloat(atSeconds, 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
		"-vf", "scale='min(1280,iw)':-2",
		"-q:v", "2",
		outPath,
	}
}
