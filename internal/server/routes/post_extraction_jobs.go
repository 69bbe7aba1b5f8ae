package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

var errInvalidDocumentIDs = errors.New(`document_ids must be a list of ids or "all"`)

// parseDocumentIDs accepts either a JSON array of ids or the string "all".
// A nil result selects every document of the knowledge base.
func parseDocumentIDs(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errInvalidDocumentIDs
	}

	var all string
	if err := json.Unmarshal(raw, &all); err == nil {
		if all != "all" {
			return nil, errInvalidDocumentIDs
		}
		return nil, nil
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, errInvalidDocumentIDs
	}
	if len(ids) == 0 {
		return nil, errInvalidDocumentIDs
	}
	return ids, nil
}

// CreateExtractionJobHandler submits a new extraction job
func CreateExtractionJobHandler(c echo.Context) error {
	type createJobBody struct {
		KBID          string          `json:"kb_id" validate:"required"`
		SchemaVersion int             `json:"domain_schema_version" validate:"required,min=1"`
		DocumentIDs   json.RawMessage `json:"document_ids"`
		CleanupMode   string          `json:"cleanup_mode" validate:"required,oneof=replace augment"`
	}

	type createJobResponse struct {
		Message string      `json:"message,omitempty"`
		ID      string      `json:"id,omitempty"`
		Status  jobs.Status `json:"status,omitempty"`
	}

	data := new(createJobBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createJobResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createJobResponse{
			Message: "Invalid request body",
		})
	}

	docIDs, err := parseDocumentIDs(data.DocumentIDs)
	if err != nil {
		return c.JSON(http.StatusBadRequest, createJobResponse{
			Message: err.Error(),
		})
	}

	ac := c.(*middleware.AppContext)
	job, err := ac.App.Jobs.Submit(c.Request().Context(), jobs.SubmitRequest{
		KBID:          data.KBID,
		SchemaVersion: data.SchemaVersion,
		DocumentIDs:   docIDs,
		CleanupMode:   jobs.CleanupMode(data.CleanupMode),
	})
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidRequest) {
			return c.JSON(http.StatusBadRequest, createJobResponse{
				Message: err.Error(),
			})
		}
		logger.Error("[API] Failed to submit extraction job", "kb_id", data.KBID, "err", err)
		return c.JSON(http.StatusInternalServerError, createJobResponse{
			Message: "Internal server error",
		})
	}

	logger.Info("[API] Extraction job accepted", "job_id", job.ID, "user_id", ac.User.UserID)
	return c.JSON(http.StatusAccepted, createJobResponse{
		ID:     job.ID,
		Status: job.Status,
	})
}
