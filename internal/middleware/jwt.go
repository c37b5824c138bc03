package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fablehost/fable-api/internal/utils"
)

// JWTProtected returns a middleware that validates JWT bearer tokens and
// rejects requests without one.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := bindClaims(c, secret); err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}
		return c.Next()
	}
}

// JWTOptional binds claims when a valid bearer token is present and lets the
// request through anonymously otherwise. Chat and vote casting are open to
// unregistered viewers.
func JWTOptional(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get("Authorization") != "" {
			if err := bindClaims(c, secret); err != nil {
				return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
			}
		}
		return c.Next()
	}
}

func bindClaims(c *fiber.Ctx, secret string) error {
	authorization := c.Get("Authorization")
	if authorization == "" {
		return fmt.Errorf("authorization header missing")
	}

	const bearer = "Bearer "
	if !strings.HasPrefix(strings.ToLower(authorization), strings.ToLower(bearer)) {
		return fmt.Errorf("invalid authorization header")
	}

	tokenString := strings.TrimSpace(authorization[len(bearer):])
	if tokenString == "" {
		return fmt.Errorf("invalid token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("invalid token claims")
	}

	if userID := extractUserIDFromClaims(claims); userID != nil {
		c.Locals("user_id", *userID)
	}
	if name := extractUserNameFromClaims(claims); name != "" {
		c.Locals("user_name", name)
	}

	return nil
}

func extractUserIDFromClaims(claims jwt.MapClaims) *uint {
	keys := []string{"sub", "user_id", "id"}
	for _, key := range keys {
		if value, ok := claims[key]; ok {
			if normalized, err := normalizeUserID(value); err == nil {
				return &normalized
			}
		}
	}

	return nil
}

func normalizeUserID(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("invalid subject")
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return uint(parsed), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("invalid subject")
		}
		return uint(v), nil
	default:
		return 0, fmt.Errorf("unsupported subject type")
	}
}

func extractUserNameFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"name", "username"} {
		if value, ok := claims[key].(string); ok {
			if name := strings.TrimSpace(value); name != "" {
				return name
			}
		}
	}
	return ""
}
