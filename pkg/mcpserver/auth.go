package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

// OAuthConfig enables bearer-token validation against an external
// authorization server. Disabled means trusted local use only.
type OAuthConfig struct {
	Enabled                bool
	AuthorizationServerURL string
	RequiredScopes         []string
}

type authenticator struct {
	verifier       *oidc.IDTokenVerifier
	requiredScopes []string
}

// newAuthenticator discovers the issuer's JWKS endpoint and prepares a
// verifier. Audience is not pinned; the scope claim carries the access
// decision.
func newAuthenticator(ctx context.Context, cfg OAuthConfig) (*authenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.AuthorizationServerURL)
	if err != nil {
		return nil, fmt.Errorf("discover authorization server: %w", err)
	}
	return &authenticator{
		verifier:       provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
		requiredScopes: cfg.RequiredScopes,
	}, nil
}

func (a *authenticator) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" || raw == c.GetHeader("Authorization") {
			c.Header("WWW-Authenticate", `Bearer realm="mcp"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := a.verifier.Verify(c.Request.Context(), raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if len(a.requiredScopes) > 0 {
			var claims struct {
				Scope string `json:"scope"`
			}
			if err := token.Claims(&claims); err != nil {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unreadable scope claim"})
				return
			}
			granted := map[string]bool{}
			for _, s := range strings.Fields(claims.Scope) {
				granted[s] = true
			}
			for _, want := range a.requiredScopes {
				if !granted[want] {
					c.AbortWithStatusJSON(http.StatusForbidden,
						gin.H{"error": "missing required scope " + want})
					return
				}
			}
		}
		c.Next()
	}
}
