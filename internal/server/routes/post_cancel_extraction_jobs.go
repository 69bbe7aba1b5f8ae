package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"

	"github.com/labstack/echo/v4"
)

// CancelExtractionJobHandler cancels a job. Cancelling a finished job is not
// an error; the response carries the status the job ended with.
func CancelExtractionJobHandler(c echo.Context) error {
	type cancelJobResponse struct {
		ID     string      `json:"id"`
		Status jobs.Status `json:"status"`
	}

	data, err := bindJobParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request params"})
	}

	svc := c.(*middleware.AppContext).App.Jobs
	job, err := svc.Cancel(c.Request().Context(), data.JobID)
	if err != nil {
		return jobError(c, "Failed to cancel extraction job", data.JobID, err)
	}
	return c.JSON(http.StatusOK, cancelJobResponse{
		ID:     job.ID,
		Status: job.Status,
	})
}
