package middleware

import (
	"net/http"
	"strings"

	"remittance_back/models"
	"remittance_back/pkg/apperr"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const requesterKey = "requester"

// Claims выпускает сервис авторизации; здесь они только проверяются
type Claims struct {
	KYCStatus string `json:"kyc_status"`
	Tier      string `json:"tier"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

func abort(c *gin.Context, status int, code apperr.Code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"message": message,
		"code":    code,
	})
}

// ParseToken проверяет HS256 подпись и срок действия
func ParseToken(tokenStr string, secret []byte) (models.Requester, error) {
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Requester{}, err
	}
	if !tkn.Valid || claims.Subject == "" {
		return models.Requester{}, errors.New("invalid token")
	}

	r := models.Requester{
		ID:        claims.Subject,
		KYCStatus: models.KYCStatus(strings.ToUpper(claims.KYCStatus)),
		Tier:      strings.ToUpper(claims.Tier),
		Role:      strings.ToUpper(claims.Role),
	}
	if r.KYCStatus == "" {
		r.KYCStatus = models.KYCNotStarted
	}
	if r.Role == "" {
		r.Role = models.RoleUser
	}
	return r, nil
}

func bearer(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}

// Auth требует валидный bearer токен
func Auth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		token, ok := bearer(c)
		if !ok {
			abort(c, http.StatusUnauthorized, apperr.CodeUnauthorized, "authorization header required")
			return
		}
		r, err := ParseToken(token, key)
		if err != nil {
			logrus.WithField("path", c.FullPath()).Infof("rejected bearer token: %s", err)
			abort(c, http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid token")
			return
		}
		c.Set(requesterKey, r)
		c.Next()
	}
}

// OptionalAuth пропускает анонимные запросы, но отклоняет испорченный токен
func OptionalAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		token, ok := bearer(c)
		if !ok {
			c.Next()
			return
		}
		r, err := ParseToken(token, key)
		if err != nil {
			abort(c, http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid token")
			return
		}
		c.Set(requesterKey, r)
		c.Next()
	}
}

// RequireRole пропускает только перечисленные роли. Ставится после Auth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := GetRequester(c)
		if !ok {
			abort(c, http.StatusUnauthorized, apperr.CodeUnauthorized, "authentication required")
			return
		}
		for _, role := range roles {
			if r.Role == role {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, apperr.CodeForbidden, "insufficient role")
	}
}

func GetRequester(c *gin.Context) (models.Requester, bool) {
	v, ok := c.Get(requesterKey)
	if !ok {
		return models.Requester{}, false
	}
	r, ok := v.(models.Requester)
	return r, ok
}
