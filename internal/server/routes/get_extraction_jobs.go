package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"

	"github.com/labstack/echo/v4"
)

type jobParams struct {
	JobID string `param:"id" validate:"required"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func bindJobParams(c echo.Context) (*jobParams, error) {
	data := new(jobParams)
	if err := c.Bind(data); err != nil {
		return nil, err
	}
	if err := c.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

func jobError(c echo.Context, op string, jobID string, err error) error {
	if errors.Is(err, jobs.ErrJobNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Message: "Extraction job not found"})
	}
	logger.Error("[API] "+op, "job_id", jobID, "err", err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Message: "Internal server error"})
}

// GetExtractionJobHandler returns the durable summary of a job
func GetExtractionJobHandler(c echo.Context) error {
	data, err := bindJobParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request params"})
	}

	svc := c.(*middleware.AppContext).App.Jobs
	summary, err := svc.Get(c.Request().Context(), data.JobID)
	if err != nil {
		return jobError(c, "Failed to load extraction job", data.JobID, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// GetExtractionJobProgressHandler returns the live progress of a job
func GetExtractionJobProgressHandler(c echo.Context) error {
	data, err := bindJobParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request params"})
	}

	svc := c.(*middleware.AppContext).App.Jobs
	report, err := svc.Progress(c.Request().Context(), data.JobID)
	if err != nil {
		return jobError(c, "Failed to load extraction job progress", data.JobID, err)
	}
	return c.JSON(http.StatusOK, report)
}
