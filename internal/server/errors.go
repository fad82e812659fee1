package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/artifact"
)

// errorStatus 把引擎的错误分类映射为 HTTP 状态码与错误码。
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, artifact.ErrAlreadyExists):
		return fiber.StatusConflict, "already_exists"
	case errors.Is(err, artifact.ErrConflictRejected):
		return fiber.StatusConflict, "conflict_rejected"
	case errors.Is(err, artifact.ErrUnsupported):
		return fiber.StatusMethodNotAllowed, "unsupported"
	case errors.Is(err, artifact.ErrInvalidPath):
		return fiber.StatusBadRequest, "invalid_path"
	case errors.Is(err, artifact.ErrLockTimeout), errors.Is(err, artifact.ErrLockUpgrade):
		return fiber.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, artifact.ErrOutOfService):
		return fiber.StatusServiceUnavailable, "out_of_service"
	case errors.Is(err, artifact.ErrRemoteUnavailable):
		return fiber.StatusBadGateway, "remote_unavailable"
	case errors.Is(err, artifact.ErrCorruptHeader), errors.Is(err, artifact.ErrCorruptBlob):
		return fiber.StatusInternalServerError, "corrupt_artifact"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable, "canceled"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func renderError(c fiber.Ctx, err error) error {
	status, code := errorStatus(err)
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": err.Error(),
	})
}
