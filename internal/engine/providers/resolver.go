// Package providers implements the wire transports behind the engine's
// Provider interface and the resolver that picks between them.
//
// Routing is a pure function of the model API family: families whose wire
// format is compatible with the OpenAI chat-completions shape share one
// generic transport configured by base URL, and families with incompatible
// framing (Anthropic content blocks, Gemini parts) get a native transport.
// Resolution itself never fails; a descriptor missing required fields
// surfaces as a ConfigurationError when the transport is first used.
package providers

import (
	"strings"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
)

// Transport identifies which wire implementation serves an endpoint.
type Transport string

const (
	// TransportGeneric is the OpenAI-compatible chat-completions transport.
	TransportGeneric Transport = "generic"

	// TransportAnthropic is the native Anthropic messages transport.
	TransportAnthropic Transport = "anthropic"

	// TransportGemini is the native Gemini transport.
	TransportGemini Transport = "gemini"
)

// Endpoint is a resolved provider target. Exactly one transport is chosen
// per resolution and the choice depends only on ModelAPI.
type Endpoint struct {
	Provider  string
	ModelAPI  string
	Transport Transport
	BaseURL   string
	APIKey    string
	Headers   map[string]string
}

// ResolveOptions carries caller-supplied overrides for one resolution.
type ResolveOptions struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
}

// nativeTransports routes incompatible wire formats away from the generic
// transport.
var nativeTransports = map[string]Transport{
	"anthropic-messages":   TransportAnthropic,
	"google-generative-ai": TransportGemini,
}

// defaultBaseURLs apply to the generic transport only; native SDKs carry
// their own defaults.
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"ollama":     "http://localhost:11434/v1",
}

// oauthTokenPrefix marks credentials that must travel as a bearer header
// instead of the transport's default API-key mechanism.
const oauthTokenPrefix = "sk-ant-oat"

// Resolve maps a logical (provider, modelAPI, credentials) tuple to an
// endpoint descriptor. It never fails: an unknown model API falls back to
// the generic transport with no default base URL, and the caller's run
// fails with a configuration error at call time if one was required.
func Resolve(provider, modelAPI string, opts ResolveOptions) Endpoint {
	ep := Endpoint{
		Provider:  provider,
		ModelAPI:  modelAPI,
		Transport: TransportGeneric,
		BaseURL:   opts.BaseURL,
		APIKey:    opts.APIKey,
	}
	if len(opts.Headers) > 0 {
		ep.Headers = make(map[string]string, len(opts.Headers))
		for k, v := range opts.Headers {
			ep.Headers[k] = v
		}
	}

	if native, ok := nativeTransports[modelAPI]; ok {
		ep.Transport = native
	} else if ep.BaseURL == "" {
		ep.BaseURL = defaultBaseURLs[provider]
	}

	// OAuth tokens authenticate via bearer header; the native API-key
	// field would be rejected.
	if strings.HasPrefix(ep.APIKey, oauthTokenPrefix) {
		if ep.Headers == nil {
			ep.Headers = make(map[string]string, 1)
		}
		ep.Headers["Authorization"] = "Bearer " + ep.APIKey
		ep.APIKey = ""
	}

	return ep
}

// New builds the transport for a resolved endpoint.
func New(ep Endpoint) (engine.Provider, error) {
	switch ep.Transport {
	case TransportAnthropic:
		return NewAnthropic(ep), nil
	case TransportGemini:
		return NewGemini(ep)
	default:
		return NewGeneric(ep), nil
	}
}
