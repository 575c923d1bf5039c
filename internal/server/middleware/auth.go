package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	PermCompile = "workflow.compile"
	PermExecute = "workflow.execute"
	PermView    = "workflow.view"
	PermDelete  = "workflow.delete"
)

var allPermissions = []string{PermCompile, PermExecute, PermView, PermDelete}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
}

func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ac := c.(*AppContext)
		app := ac.App

		if !app.AuthEnabled() {
			ac.User = &AppUser{Subject: "anonymous", Role: "admin", Permissions: allPermissions}
			return next(c)
		}

		authHeader := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			return unauthorized(c)
		}

		if app.MasterAPIKey != "" && token == app.MasterAPIKey {
			role := app.MasterUserRole
			if role == "" {
				role = "admin"
			}
			ac.User = &AppUser{Subject: "master", Role: role, Permissions: allPermissions}
			return next(c)
		}

		if app.Keyfunc == nil {
			return unauthorized(c)
		}
		parsed, err := jwt.Parse(token, app.Keyfunc)
		if err != nil || !parsed.Valid {
			return unauthorized(c)
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return unauthorized(c)
		}

		ac.User = userFromClaims(claims)
		return next(c)
	}
}

func userFromClaims(claims jwt.MapClaims) *AppUser {
	user := &AppUser{Role: "user"}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		user.Subject = sub
	} else if id, ok := claims["id"]; ok {
		user.Subject = fmt.Sprint(id)
	}
	if role, ok := claims["role"].(string); ok {
		user.Role = role
	}
	if perms, ok := claims["permissions"].([]any); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				user.Permissions = append(user.Permissions, s)
			}
		}
	}
	if user.Role == "admin" && len(user.Permissions) == 0 {
		user.Permissions = allPermissions
	}
	return user
}
