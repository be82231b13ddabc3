// services/status.go
package services

import (
	"github.com/Coding-for-Machine/video-transcoder/models"
)

// BuildStatus derives the client-facing status of a video. Live progress is
// only consulted while the video is processing and the job is active.
func BuildStatus(video *models.Video, variants []models.VideoQualityVariant, live *models.LiveProgress) models.VideoStatusResponse {
	resp := models.VideoStatusResponse{
		Status:             video.Status,
		Progress:           defaultProgress(video.Status),
		Duration:           video.Duration,
		ThumbnailURL:       video.ThumbnailURL,
		ManifestURL:        video.ManifestURL,
		AvailableQualities: models.SortByLadder(video.AvailableQualities),
		ErrorMessage:       video.ErrorMessage,
	}

	if video.Status == models.StatusProcessing && live != nil && live.State == models.JobActive {
		resp.Progress = clampPercent(live.Percent)
	}

	if video.Status == models.StatusPartialReady || video.Status == models.StatusFailed {
		var failed []string
		for _, v := range variants {
			if v.Status == models.VariantFailed {
				failed = append(failed, v.QualityName)
			}
		}
		resp.FailedQualities = models.SortByLadder(failed)
	}
	if video.Status == models.StatusFailed {
		resp.ManifestURL = ""
	}
	return resp
}

func defaultProgress(status models.VideoStatus) int {
	switch status {
	case models.StatusUploading:
		return 0
	case models.StatusProcessing:
		return 50
	default:
		return 100
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
