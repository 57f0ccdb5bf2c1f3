package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Leeway absorbs clock skew between the token issuer and this service.
const Leeway = 30 * time.Second

type contextKey string

const operatorKey contextKey = "medscan.operator"

var (
	errMissingHeader = errors.New("authorization header required")
	errMalformed     = errors.New("invalid authorization header")
	errMissingSub    = errors.New("missing subject")
)

// OperatorID returns the operator authenticated for this request.
func OperatorID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(operatorKey).(string)
	return id, ok && id != ""
}

// JWTMiddleware guards the operator endpoints. Tokens must be HS256 signed
// with secret, carry a subject and an expiry, and name audience when one is
// configured. With an empty secret every request is refused with 503.
func JWTMiddleware(secret, audience string, logger *zap.Logger) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	logger = logger.Named("auth")

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(Leeway),
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (interface{}, error) { return []byte(secret), nil }

	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "operator access is not configured"})
			return
		}

		operator, err := authenticate(parser, keyFunc, c.GetHeader("Authorization"))
		if err != nil {
			logger.Warn("operator token rejected",
				zap.String("path", c.FullPath()),
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator token required"})
			return
		}

		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), operatorKey, operator))
		c.Next()
	}
}

func authenticate(parser *jwt.Parser, keyFunc jwt.Keyfunc, header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	switch {
	case header == "":
		return "", errMissingHeader
	case !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "":
		return "", errMalformed
	}

	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(strings.TrimSpace(token), &claims, keyFunc); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSub
	}
	return claims.Subject, nil
}
