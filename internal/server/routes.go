package server

import (
	"github.com/OFFIS-RIT/kiwi/extractor/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/server/routes"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	jobRoutes := e.Group("/extraction-jobs", middleware.AuthMiddleware)

	jobRoutes.POST("", routes.CreateExtractionJobHandler, middleware.RequirePermission(middleware.PermissionCreate))
	jobRoutes.GET("/:id", routes.GetExtractionJobHandler, middleware.RequireAnyPermission(middleware.PermissionView, middleware.PermissionCreate))
	jobRoutes.GET("/:id/progress", routes.GetExtractionJobProgressHandler, middleware.RequireAnyPermission(middleware.PermissionView, middleware.PermissionCreate))
	jobRoutes.POST("/:id/cancel", routes.CancelExtractionJobHandler, middleware.RequirePermission(middleware.PermissionCancel))
}
