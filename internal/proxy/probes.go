package proxy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"

	"github.com/wayfind-oss/relaygate/internal/config"
)

// HealthProbe checks liveness/connectivity against one upstream platform.
// These are never used to relay a client request — relaying always goes
// through a per-account credential from the account registry via the relay
// pipeline; a probe only answers "is this vendor reachable with our own
// monitoring credential right now".
type HealthProbe interface {
	HealthCheck(ctx context.Context) error
}

// anthropicProbe checks the Claude API with the official SDK. A one-item
// Models.List call is the cheapest authenticated round trip the SDK
// exposes.
type anthropicProbe struct {
	client anthropic.Client
}

func newAnthropicProbe(cfg config.UpstreamConfig, apiKey string) *anthropicProbe {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
		anthropicoption.WithHTTPClient(&http.Client{Timeout: healthProbeTimeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicProbe{client: anthropic.NewClient(opts...)}
}

func (p *anthropicProbe) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("claude health probe: %w", err)
	}
	return nil
}

// openaiProbe checks the OpenAI API with the official SDK.
type openaiProbe struct {
	client openai.Client
}

func newOpenAIProbe(cfg config.UpstreamConfig, apiKey string) *openaiProbe {
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithHTTPClient(&http.Client{Timeout: healthProbeTimeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(cfg.BaseURL))
	}
	return &openaiProbe{client: openai.NewClient(opts...)}
}

func (p *openaiProbe) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai health probe: %w", err)
	}
	return nil
}

// geminiProbe checks the Gemini API with the official genai client.
type geminiProbe struct {
	client *genai.Client
}

func newGeminiProbe(ctx context.Context, cfg config.UpstreamConfig, apiKey string) (*geminiProbe, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini health probe: build client: %w", err)
	}
	return &geminiProbe{client: client}, nil
}

func (p *geminiProbe) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini health probe: %w", err)
	}
	return nil
}

// bedrockProbe has no vendor SDK in this module's dependency surface for a
// cheap liveness call that does not also require a signed relay-style
// request; it simply checks that the regional STS/Bedrock endpoint TLS
// handshake succeeds, which is enough to distinguish "AWS region down or
// unreachable" from "credential invalid" (the latter only surfaces once a
// real relay call is attempted).
type bedrockProbe struct {
	client   *http.Client
	endpoint string
}

func newBedrockProbe(cfg config.UpstreamConfig) *bedrockProbe {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = "https://bedrock-runtime.us-east-1.amazonaws.com"
	}
	return &bedrockProbe{client: &http.Client{Timeout: healthProbeTimeout}, endpoint: endpoint}
}

func (p *bedrockProbe) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return fmt.Errorf("bedrock health probe: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("bedrock health probe: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// BuildHealthProbes assembles the platform → HealthProbe map from the
// gateway's monitoring credentials (config.Config.HealthProbes), skipping
// any platform whose credential is not configured. Bedrock's probe needs no
// credential, so it is always included.
func BuildHealthProbes(ctx context.Context, cfg *config.Config) (map[string]HealthProbe, error) {
	probes := make(map[string]HealthProbe)

	if cfg.HealthProbes.AnthropicAPIKey != "" {
		probes["claude"] = newAnthropicProbe(cfg.Claude, cfg.HealthProbes.AnthropicAPIKey)
	}
	if cfg.HealthProbes.OpenAIAPIKey != "" {
		probes["openai"] = newOpenAIProbe(cfg.OpenAI, cfg.HealthProbes.OpenAIAPIKey)
	}
	if cfg.HealthProbes.GeminiAPIKey != "" {
		p, err := newGeminiProbe(ctx, cfg.Gemini, cfg.HealthProbes.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		probes["gemini"] = p
	}
	probes["bedrock"] = newBedrockProbe(cfg.Bedrock)

	return probes, nil
}
