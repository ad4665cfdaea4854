package pipeline

import (
	"encoding/json"

	ecrypto "github.com/boeni-industries/aico-gateway/internal/crypto"
	"github.com/boeni-industries/aico-gateway/internal/errs"
	"github.com/boeni-industries/aico-gateway/internal/session"
)

// EncryptionPriority places decryption/encryption first on the request
// side and last on the response side (spec §4.6's stage ordering).
const EncryptionPriority = 10

// EncryptionPlugin decrypts RawPayload into DecryptedPayload on the
// request side and seals ResponsePayload into a wire envelope stored
// under the Context value "response_envelope" on the response side,
// consulting the Session Manager and crypto primitives
// for the per-client-id shared key (see DESIGN.md: "Encryption (10) —
// own component, consults C4/C3").
type EncryptionPlugin struct {
	Sessions *session.Manager
	Routes   *RouteTable
}

func NewEncryptionPlugin(sessions *session.Manager, routes *RouteTable) *EncryptionPlugin {
	return &EncryptionPlugin{Sessions: sessions, Routes: routes}
}

func (p *EncryptionPlugin) Name() string  { return "encryption" }
func (p *EncryptionPlugin) Priority() int { return EncryptionPriority }

func (p *EncryptionPlugin) OnRequest(ctx *Context) (*ShortCircuit, error) {
	if p.Routes.IsPublic(ctx.Method, ctx.Path) {
		return nil, nil
	}

	sess, err := p.Sessions.Get(ctx.ClientID)
	if err != nil {
		return nil, errs.Wrap(errs.KindNoSession, "no session for client", err)
	}

	var env ecrypto.Envelope
	if err := json.Unmarshal(ctx.RawPayload, &env); err != nil {
		return nil, errs.Wrap(errs.KindBadPayload, "malformed envelope", err)
	}

	plaintext, err := ecrypto.Decrypt(sess.Key, &env, ctx.ClientID, ecrypto.ClientToServer)
	if err != nil {
		invalidated := p.Sessions.RecordDecryptFailure(ctx.ClientID)
		e := errs.Wrap(errs.KindDecryptFail, "decrypt failed", err)
		if invalidated {
			e = e.WithDetail("session_invalidated", true)
		}
		return nil, e
	}

	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, errs.Wrap(errs.KindBadPayload, "decrypted payload is not valid json", err)
	}

	ctx.DecryptedPayload = payload
	ctx.Set("session", sess)
	return nil, nil
}

// OnResponse seals ResponsePayload under the same session key and
// direction and stores the wire envelope under "response_envelope",
// leaving ResponsePayload itself in place. It runs even when an
// upstream stage short-circuited or errored, but does nothing when
// ResponsePayload is nil, so an error reply is not sealed.
func (p *EncryptionPlugin) OnResponse(ctx *Context) error {
	if p.Routes.IsPublic(ctx.Method, ctx.Path) {
		return nil
	}
	if ctx.ResponsePayload == nil {
		return nil
	}

	v, ok := ctx.Get("session")
	if !ok {
		return nil
	}
	sess, ok := v.(*session.Session)
	if !ok {
		return nil
	}

	plaintext, err := json.Marshal(ctx.ResponsePayload)
	if err != nil {
		return errs.Internal(err)
	}

	env, err := ecrypto.Encrypt(sess.Key, plaintext, ctx.ClientID, ecrypto.ServerToClient)
	if err != nil {
		return errs.Internal(err)
	}

	sealed, err := json.Marshal(env)
	if err != nil {
		return errs.Internal(err)
	}
	ctx.Set("response_envelope", sealed)
	return nil
}
