package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ContextKey - тип для ключей контекста.
type ContextKey string

const (
	// OperatorKey - ключ для хранения имени оператора в контексте.
	OperatorKey ContextKey = "operator"
	// ClaimsKey - ключ для хранения claims токена в контексте.
	ClaimsKey ContextKey = "claims"
)

// JWTMiddleware создаёт middleware для проверки JWT токена.
func JWTMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractTokenFromHeader(c)

			if token == "" {
				token = extractTokenFromCookie(c)
			}

			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid token")
			}

			claims, err := ValidateToken(token, secret)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			// Сохранение данных оператора в контексте
			c.Set(string(OperatorKey), claims.Operator)
			c.Set(string(ClaimsKey), claims)

			return next(c)
		}
	}
}

// RequireScope пропускает запрос, только если у токена есть право scope.
// Ставится после JWTMiddleware.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, ok := c.Get(string(ClaimsKey)).(*Claims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "operator not found in context")
			}
			if !claims.HasScope(scope) {
				return echo.NewHTTPError(http.StatusForbidden, "token lacks scope "+scope)
			}
			return next(c)
		}
	}
}

// extractTokenFromHeader извлекает токен из заголовка Authorization.
func extractTokenFromHeader(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Проверка формата "Bearer <token>"
	parts := strings.Split(authHeader, " ")
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return parts[1]
	}

	return ""
}

// extractTokenFromCookie извлекает токен из cookie.
func extractTokenFromCookie(c echo.Context) string {
	cookie, err := c.Cookie("Authorization")
	if err != nil {
		return ""
	}
	return cookie.Value
}

// GetOperatorFromContext извлекает имя оператора из контекста.
func GetOperatorFromContext(c echo.Context) (string, error) {
	operator, ok := c.Get(string(OperatorKey)).(string)
	if !ok || operator == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "operator not found in context")
	}
	return operator, nil
}
