// handlers/video_handlers.go
package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Coding-for-Machine/video-transcoder/models"
	"github.com/Coding-for-Machine/video-transcoder/storage"
)

// VideoService is the upload lifecycle used by the HTTP layer.
type VideoService interface {
	CreateUpload(ctx context.Context, req models.UploadRequest) (*models.UploadResponse, error)
	CompleteUpload(ctx context.Context, id uuid.UUID) (*models.Video, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*models.VideoStatusResponse, error)
	CancelVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
}

func CreateUpload(videoService VideoService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.UploadRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		resp, err := videoService.CreateUpload(c.UserContext(), req)
		if err != nil {
			return writeError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(resp)
	}
}

func CompleteUpload(videoService VideoService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := videoID(c)
		if err != nil {
			return err
		}

		video, err := videoService.CompleteUpload(c.UserContext(), id)
		if err != nil {
			return writeError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"videoId": video.ID,
			"status":  video.Status,
		})
	}
}

func GetStatus(videoService VideoService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := videoID(c)
		if err != nil {
			return err
		}

		status, err := videoService.GetStatus(c.UserContext(), id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(status)
	}
}

func CancelVideo(videoService VideoService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := videoID(c)
		if err != nil {
			return err
		}

		video, err := videoService.CancelVideo(c.UserContext(), id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{
			"videoId": video.ID,
			"status":  video.Status,
		})
	}
}

// videoID parses the :id route parameter. The returned error is a
// fiber.Error so the handler can return it directly.
func videoID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid video id")
	}
	return id, nil
}

func writeError(c *fiber.Ctx, err error) error {
	var (
		verr *models.ValidationError
		serr *models.StorageError
	)
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": verr.Reason,
			"field": verr.Field,
		})
	case errors.Is(err, models.ErrInvalidArgument):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "video not found"})
	case errors.Is(err, models.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &serr) && storage.IsNotFound(serr.Err):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "uploaded file not found"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}
