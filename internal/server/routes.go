package server

import (
	"github.com/OFFIS-RIT/flowforge/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/flowforge/backend/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	e.GET("/", routes.RootHandler)
	e.GET("/health", routes.HealthHandler)

	guard := func(permission string) []echo.MiddlewareFunc {
		return []echo.MiddlewareFunc{middleware.AuthMiddleware, middleware.RequirePermission(permission)}
	}

	e.POST("/generate", routes.GenerateHandler, guard(middleware.PermCompile)...)

	wf := e.Group("/workflows")
	wf.POST("/:id/execute", routes.ExecuteHandler, guard(middleware.PermExecute)...)
	wf.GET("/:id", routes.GetWorkflowHandler, guard(middleware.PermView)...)
	wf.DELETE("/:id", routes.DeleteWorkflowHandler, guard(middleware.PermDelete)...)
}
