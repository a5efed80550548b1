package middleware

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nulzo/model-publisher/internal/core/domain"
)

// identityKey is where the decoded caller identity lives on the gin context.
const identityKey = "caller-identity"

// tokenClaims is the subset of the gateway token we care about.
type tokenClaims struct {
	TenantID string `json:"tenant_id"`
	IsAdmin  bool   `json:"is_admin"`
}

// Identity decodes the caller's tenant identity from the bearer token. The
// edge gateway has already verified the signature before the request reaches
// us; this layer only reads the claims, it does not re-validate them.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "Missing Authorization header")
			return
		}

		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c, "Invalid Authorization header format")
			return
		}

		claims, err := decodeClaims(parts[1])
		if err != nil {
			unauthorized(c, "Malformed bearer token")
			return
		}
		if claims.TenantID == "" && !claims.IsAdmin {
			unauthorized(c, "Token carries no tenant identity")
			return
		}

		c.Set(identityKey, domain.Identity{
			TenantID: claims.TenantID,
			Admin:    claims.IsAdmin,
		})
		c.Next()
	}
}

// IdentityFrom returns the caller identity set by the Identity middleware.
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok
}

// decodeClaims extracts the payload segment of a JWT without verifying it.
func decodeClaims(token string) (*tokenClaims, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, domain.ValidationError("token is not a JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, err
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func unauthorized(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, &domain.Problem{
		Type:   "about:blank",
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	})
}
