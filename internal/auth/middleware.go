package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// ContextUserKey is the gin context key the middleware stores the caller's
// user id under.
const ContextUserKey = "user_id"

// UserID returns the authenticated caller's id from the gin context.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserKey)
}

// Middleware authenticates requests with the JWKS verifier.
func Middleware(verifier *JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := verifier.PrincipalFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextUserKey, principal.ID)
		c.Next()
	}
}

// SecretMiddleware authenticates requests with a shared HMAC secret. Intended
// for development setups without an identity provider.
func SecretMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token, err := jwtv5.Parse(tokenString, func(token *jwtv5.Token) (any, error) {
			if _, ok := token.Method.(*jwtv5.SigningMethodHMAC); !ok {
				return nil, jwtv5.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(jwtv5.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token missing subject"})
			return
		}

		c.Set(ContextUserKey, sub)
		c.Next()
	}
}
