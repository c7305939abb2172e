package handler

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/reelforge/render/internal/client"
	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/pkg/response"
)

type UploadHandler struct {
	presigner client.Presigner
	validator *validator.Validate
}

// NewUploadHandler creates the presign handler. presigner may be nil when no
// bucket is configured; requests then get 503.
func NewUploadHandler(presigner client.Presigner, v *validator.Validate) *UploadHandler {
	return &UploadHandler{
		presigner: presigner,
		validator: v,
	}
}

// ObjectKey returns the bucket key for a new render output of projectID.
func ObjectKey(projectID string, format model.OutputFormat) string {
	return fmt.Sprintf("renders/%s/%s%s", url.PathEscape(projectID), uuid.New().String(), format.Extension())
}

// Presign handles POST /uploads/presign
// @Summary      Issue an upload target
// @Description  Return a pre-signed PUT URL usable as output.uploadTarget
// @Tags         Upload
// @Accept       json
// @Produce      json
// @Param        request body model.UploadPresignRequest true "Presign request"
// @Success      200 {object} model.UploadPresignResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Router       /uploads/presign [post]
func (h *UploadHandler) Presign(c *fiber.Ctx) error {
	if h.presigner == nil {
		return response.Unavailable(c, "Upload storage not configured")
	}

	var req model.UploadPresignRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	key := ObjectKey(req.ProjectID, req.Format)
	uploadURL, expiresAt, err := h.presigner.PresignPut(c.UserContext(), key, req.Format.ContentType())
	if err != nil {
		return response.ServiceError(c, "Failed to issue upload URL")
	}

	return response.OK(c, model.UploadPresignResponse{
		UploadURL: uploadURL,
		Key:       key,
		ExpiresAt: expiresAt,
	})
}
