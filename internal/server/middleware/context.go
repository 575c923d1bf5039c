package middleware

import (
	"github.com/OFFIS-RIT/flowforge/backend/internal/compiler"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type AppUser struct {
	Subject     string
	Role        string
	Permissions []string
}

// App holds what every handler needs. With a nil Keyfunc and no master key
// the API is open.
type App struct {
	Compiler       *compiler.Service
	Keyfunc        jwt.Keyfunc
	MasterAPIKey   string
	MasterUserRole string
}

// AuthEnabled reports whether requests must carry credentials.
func (a *App) AuthEnabled() bool {
	return a.Keyfunc != nil || a.MasterAPIKey != ""
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{Context: c, App: app})
		}
	}
}
