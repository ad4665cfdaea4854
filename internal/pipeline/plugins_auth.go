package pipeline

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/boeni-industries/aico-gateway/internal/errs"
	"github.com/boeni-industries/aico-gateway/internal/token"
)

// AuthPriority runs after decryption so the bearer token travels inside
// the encrypted envelope, not in the clear.
const AuthPriority = 20

// AuthPlugin verifies the bearer token carried in DecryptedPayload's
// "access_token" field (or, for transports that expose headers, the
// Authorization header) and attaches the resulting identity to the
// Context. Grounded on internal/app/httpapi/auth.go's public-path
// bypass and bearer-extraction shape, generalized from its
// multi-validator map lookup to the gateway's own Token Manager.
type AuthPlugin struct {
	Tokens *token.Manager
	Routes *RouteTable
}

func NewAuthPlugin(tokens *token.Manager, routes *RouteTable) *AuthPlugin {
	return &AuthPlugin{Tokens: tokens, Routes: routes}
}

func (p *AuthPlugin) Name() string  { return "auth" }
func (p *AuthPlugin) Priority() int { return AuthPriority }

func (p *AuthPlugin) OnRequest(ctx *Context) (*ShortCircuit, error) {
	if p.Routes.IsPublic(ctx.Method, ctx.Path) {
		return nil, nil
	}

	tok := extractBearer(ctx)
	if tok == "" {
		return nil, errs.New(errs.KindAuthMissing, "missing bearer token")
	}

	identity, err := p.Tokens.Verify(tok)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.Wrap(errs.KindAuthExpired, "token expired", err)
		}
		return nil, errs.Wrap(errs.KindAuthInvalid, "token invalid", err)
	}

	ctx.Identity = identity.Subject
	ctx.IdentityScope = identity.Scope
	return nil, nil
}

func (p *AuthPlugin) OnResponse(ctx *Context) error { return nil }

// extractBearer checks the Authorization header first (REST/WebSocket
// upgrade carry it there), falling back to the decrypted payload's
// access_token field for transports that don't expose headers per
// message (spec §6's envelope carries it explicitly for those cases).
func extractBearer(ctx *Context) string {
	if values, ok := ctx.Headers["Authorization"]; ok && len(values) > 0 {
		fields := strings.Fields(values[0])
		if len(fields) == 2 && strings.EqualFold(fields[0], "Bearer") {
			return strings.TrimSpace(fields[1])
		}
	}
	if ctx.DecryptedPayload != nil {
		if v, ok := ctx.DecryptedPayload["access_token"].(string); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
