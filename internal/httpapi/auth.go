package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/muxminus/stemd/pkg/ledger"
)

const (
	contextAccountKey = "auth_account"
	contextAdminKey   = "auth_admin"

	bearerPrefix = "Bearer "
)

type authClaims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// bearerAuth validates the HMAC-signed bearer token and stashes the
// account identity on the request context. The token subject is the
// account id; an optional admin claim unlocks the admin routes.
func bearerAuth(signingKey []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))

		claims := &authClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
			}
			return signingKey, nil
		})
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		accountID, err := ledger.NewAccountID(claims.Subject)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject is not an account"))
			return
		}
		ctx.Set(contextAccountKey, accountID)
		ctx.Set(contextAdminKey, claims.Admin)
		ctx.Next()
	}
}

func adminOnly() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !ctx.GetBool(contextAdminKey) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin access required"))
			return
		}
		ctx.Next()
	}
}

func accountFrom(ctx *gin.Context) (ledger.AccountID, bool) {
	value, ok := ctx.Get(contextAccountKey)
	if !ok {
		return ledger.AccountID{}, false
	}
	accountID, ok := value.(ledger.AccountID)
	return accountID, ok
}
