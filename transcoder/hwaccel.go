package transcoder

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Coding-for-Machine/video-transcoder/metrics"
)

// Accel names a hardware acceleration family.
type Accel string

const (
	AccelAuto         Accel = "auto"
	AccelNVENC        Accel = "nvenc"
	AccelVAAPI        Accel = "vaapi"
	AccelVideoToolbox Accel = "videotoolbox"
	AccelNone         Accel = "none"
)

// Hardware is the result of the capability probe. An empty Encoder means the
// software path (libx264) is used.
type Hardware struct {
	Accel   Accel
	Encoder string
	Device  string
}

func (h Hardware) Available() bool {
	return h.Encoder != ""
}

var software = Hardware{Accel: AccelNone}

var hwEncoders = map[Accel]string{
	AccelNVENC:        "h264_nvenc",
	AccelVAAPI:        "h264_vaapi",
	AccelVideoToolbox: "h264_videotoolbox",
}

var (
	hwOnce   sync.Once
	hwResult Hardware
)

// DetectHardware probes the machine once per process and caches the answer.
func DetectHardware(ctx context.Context, ffmpegPath string, mode Accel, vaapiDevice string) Hardware {
	hwOnce.Do(func() {
		hwResult = detectHardware(ctx, ffmpegPath, mode, vaapiDevice, runProbe)
		for accel, enc := range hwEncoders {
			v := 0.0
			if hwResult.Accel == accel {
				v = 1
			}
			metrics.HardwareAccelAvailable.WithLabelValues(enc).Set(v)
		}
	})
	return hwResult
}

type probeRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runProbe(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func detectHardware(ctx context.Context, ffmpegPath string, mode Accel, vaapiDevice string, run probeRunner) Hardware {
	candidates := candidateAccels(mode)
	if len(candidates) == 0 {
		return software
	}

	out, err := run(ctx, ffmpegPath, "-hide_banner", "-encoders")
	if err != nil {
		return software
	}
	listed := parseEncoders(string(out))

	for _, accel := range candidates {
		enc := hwEncoders[accel]
		if !listed[enc] {
			continue
		}
		if _, err := run(ctx, ffmpegPath, testEncodeArgs(accel, vaapiDevice)...); err != nil {
			continue
		}
		hw := Hardware{Accel: accel, Encoder: enc}
		if accel == AccelVAAPI {
			hw.Device = vaapiDevice
		}
		return hw
	}
	return software
}

// candidateAccels lists what to try for a configured mode, in order.
func candidateAccels(mode Accel) []Accel {
	switch mode {
	case AccelNVENC, AccelVAAPI, AccelVideoToolbox:
		return []Accel{mode}
	case AccelAuto, "":
		return []Accel{AccelNVENC, AccelVAAPI, AccelVideoToolbox}
	default:
		return nil
	}
}

// parseEncoders extracts encoder names from `ffmpeg -encoders` output.
// Lines look like " V....D h264_nvenc   NVIDIA NVENC H.264 encoder".
func parseEncoders(out string) map[string]bool {
	found := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		if fields[0][0] != 'V' && fields[0][0] != 'A' && fields[0][0] != 'S' {
			continue
		}
		found[fields[1]] = true
	}
	return found
}

// testEncodeArgs encodes a tenth of a second of a synthetic source to the
// null muxer, which fails quickly when the device or driver is unusable.
func testEncodeArgs(accel Accel, vaapiDevice string) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	if accel == AccelVAAPI {
		args = append(args, "-vaapi_device", vaapiDevice)
	}
	args = append(args, "-f", "lavfi", "-i", "color=black:s=256x144:d=0.1")
	if accel == AccelVAAPI {
		args = append(args, "-vf", "format=nv12,hwupload")
	}
	return append(args, "-c:v", hwEncoders[accel], "-f", "null", "-")
}
