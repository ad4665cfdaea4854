package pipeline

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/boeni-industries/aico-gateway/internal/errs"
)

// ValidationPriority runs after rate limiting so a rejected request
// never pays the cost of a full contract check.
const ValidationPriority = 40

// FieldRule is a cheap presence/type check against one field path in
// the decrypted request body, evaluated with gjson rather than
// unmarshalling into a typed struct per route — the gateway doesn't
// know every route's shape ahead of time, only its contract.
type FieldRule struct {
	Path     string
	Required bool
	Type     gjson.Type // gjson.Null means "any type accepted"
}

// RouteContract is the set of field rules for one (method, path).
type RouteContract struct {
	Method string
	Path   string
	Fields []FieldRule
}

// ValidationPlugin checks a request's decrypted payload against a
// per-route contract registered ahead of time. Unknown routes have no
// contract and pass through unchecked — validation narrows what a known
// route accepts, it doesn't discover new routes.
type ValidationPlugin struct {
	contracts map[string]RouteContract
}

func NewValidationPlugin() *ValidationPlugin {
	return &ValidationPlugin{contracts: make(map[string]RouteContract)}
}

// Register adds a contract for (method, path).
func (p *ValidationPlugin) Register(c RouteContract) {
	p.contracts[c.Method+" "+c.Path] = c
}

func (p *ValidationPlugin) Name() string  { return "validation" }
func (p *ValidationPlugin) Priority() int { return ValidationPriority }

func (p *ValidationPlugin) OnRequest(ctx *Context) (*ShortCircuit, error) {
	contract, ok := p.contracts[ctx.Method+" "+ctx.Path]
	if !ok {
		return nil, nil
	}
	if ctx.DecryptedPayload == nil {
		return nil, errs.New(errs.KindBadPayload, "no payload to validate")
	}

	raw, err := json.Marshal(ctx.DecryptedPayload)
	if err != nil {
		return nil, errs.Internal(err)
	}
	doc := gjson.ParseBytes(raw)

	for _, f := range contract.Fields {
		result := doc.Get(f.Path)
		if !result.Exists() {
			if f.Required {
				return nil, errs.New(errs.KindBadPayload, "missing required field").WithDetail("field", f.Path)
			}
			continue
		}
		if f.Type != gjson.Null && result.Type != f.Type {
			return nil, errs.New(errs.KindBadPayload, "field has wrong type").
				WithDetail("field", f.Path).
				WithDetail("expected_type", f.Type.String())
		}
	}
	return nil, nil
}

func (p *ValidationPlugin) OnResponse(ctx *Context) error { return nil }
