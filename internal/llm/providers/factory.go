// Package providers builds an llm.Provider from agentconfig-sourced
// settings. It owns the one switch statement that knows about every
// concrete provider package, so the rest of the turn pipeline only ever
// depends on the llm.Provider interface.
package providers

import (
	"fmt"
	"net/http"

	"manifold/internal/agentconfig"
	"manifold/internal/llm"
	"manifold/internal/llm/anthropic"
	"manifold/internal/llm/google"
	openaillm "manifold/internal/llm/openai"
	"manifold/internal/providers/bedrock"
)

// Build constructs an llm.Provider based on cfg.Name.
//   - openai: uses the OpenAI-compatible client (also serves self-hosted
//     OpenAI-API-shaped backends via Provider.OpenAI.BaseURL)
//   - local: same client pinned to the completions API, for llama.cpp/mlx
//     style self-hosted servers
//   - anthropic, google: native SDK-backed clients
//   - bedrock: AWS Bedrock Converse API, for deployments that want model
//     access brokered through an AWS account instead of holding a
//     provider API key directly
func Build(cfg agentconfig.ProviderConfig, httpClient *http.Client) (llm.Provider, error) {
	switch cfg.Name {
	case "", "openai":
		oc := openaillm.Config{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			API:         cfg.OpenAI.API,
			LogPayloads: cfg.OpenAI.LogPayloads,
		}
		return openaillm.New(oc, httpClient), nil
	case "local":
		oc := openaillm.Config{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			API:         "completions",
			LogPayloads: cfg.OpenAI.LogPayloads,
		}
		return openaillm.New(oc, httpClient), nil
	case "anthropic":
		ac := anthropic.Config{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
			Model:   cfg.Anthropic.Model,
		}
		return anthropic.New(ac, httpClient), nil
	case "google":
		gc := google.Config{
			APIKey:  cfg.Google.APIKey,
			BaseURL: cfg.Google.BaseURL,
			Model:   cfg.Google.Model,
		}
		return google.New(gc, httpClient)
	case "bedrock":
		bc := bedrock.Config{
			Region: cfg.Bedrock.Region,
			Model:  cfg.Bedrock.Model,
		}
		return bedrock.New(bc)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Name)
	}
}
