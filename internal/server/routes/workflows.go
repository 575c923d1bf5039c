package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/OFFIS-RIT/flowforge/backend/internal/compiler"
	"github.com/OFFIS-RIT/flowforge/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"

	"github.com/labstack/echo/v4"
)

type messageResponse struct {
	Message string `json:"message"`
}

func RootHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, messageResponse{
		Message: "Agent workflow API is running. POST to /generate or /workflows/:id/execute.",
	})
}

func HealthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GenerateHandler compiles a graph definition. With ?async=true the compile
// is queued for the worker instead.
func GenerateHandler(c echo.Context) error {
	var def common.GraphDefinition
	if err := c.Bind(&def); err != nil {
		return c.JSON(http.StatusBadRequest, messageResponse{Message: "Invalid request body"})
	}
	if def.ID == "" {
		return c.JSON(http.StatusBadRequest, messageResponse{Message: "JSON payload must have an 'id' field."})
	}
	async, _ := strconv.ParseBool(c.QueryParam("async"))

	svc := c.(*middleware.AppContext).App.Compiler
	ctx := c.Request().Context()

	if async {
		res, err := svc.Enqueue(ctx, def)
		switch {
		case errors.Is(err, common.ErrInvalidID):
			return c.JSON(http.StatusBadRequest, messageResponse{Message: err.Error()})
		case errors.Is(err, compiler.ErrAsyncUnavailable):
			return c.JSON(http.StatusServiceUnavailable, messageResponse{Message: err.Error()})
		case err != nil:
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Failed to queue compile"})
		}
		return c.JSON(http.StatusAccepted, res)
	}

	res, err := svc.Compile(ctx, def)
	if errors.Is(err, common.ErrInvalidID) {
		return c.JSON(http.StatusBadRequest, messageResponse{Message: err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Failed to compile workflow"})
	}
	return c.JSON(http.StatusOK, res)
}

func ExecuteHandler(c echo.Context) error {
	type executeData struct {
		ID      string `param:"id" json:"-" validate:"required"`
		Message string `json:"message" validate:"required"`
	}

	data := new(executeData)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, messageResponse{Message: "Invalid request params"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, messageResponse{Message: "Invalid request params"})
	}

	svc := c.(*middleware.AppContext).App.Compiler
	out, err := svc.Run(c.Request().Context(), data.ID, data.Message)
	switch {
	case errors.Is(err, compiler.ErrNotFound), errors.Is(err, common.ErrInvalidID):
		return c.JSON(http.StatusNotFound, messageResponse{
			Message: fmt.Sprintf("Agent (flow_id: %s) not found. Please call /generate first.", data.ID),
		})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, messageResponse{
			Message: fmt.Sprintf("Error during agent invocation for %s: %v", data.ID, err),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"response": out})
}

func GetWorkflowHandler(c echo.Context) error {
	id := c.Param("id")
	info, err := c.(*middleware.AppContext).App.Compiler.Get(c.Request().Context(), id)
	switch {
	case errors.Is(err, compiler.ErrNotFound), errors.Is(err, common.ErrInvalidID):
		return c.JSON(http.StatusNotFound, messageResponse{Message: fmt.Sprintf("Workflow %s not found", id)})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Internal server error"})
	}
	return c.JSON(http.StatusOK, info)
}

func DeleteWorkflowHandler(c echo.Context) error {
	id := c.Param("id")
	err := c.(*middleware.AppContext).App.Compiler.Delete(c.Request().Context(), id)
	switch {
	case errors.Is(err, common.ErrInvalidID):
		return c.JSON(http.StatusBadRequest, messageResponse{Message: err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Failed to delete workflow"})
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id, "status": compiler.StatusDeleted})
}
