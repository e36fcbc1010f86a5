// Package llm drafts dispute resolutions with a language model and falls back
// to deterministic rules when the model output cannot be used.
package llm

// ModelTier selects how capable (and expensive) a model is.
type ModelTier string

const (
	// TierStandard drafts resolutions.
	TierStandard ModelTier = "standard"
	// TierAdvanced drafts high-value disputes.
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// Supported providers. ProviderRules drafts without a model.
const (
	ProviderGemini Provider = "gemini"
	ProviderRules  Provider = "rules"
)

// Config maps tiers to provider model names.
type Config struct {
	Provider Provider
	Models   map[ModelTier]string
}

// DefaultConfig returns the Gemini configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierStandard: "gemini-2.0-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
	}
}

// GetModel returns the model for tier, falling back to the standard model.
// It returns "" when nothing is configured.
func (c *Config) GetModel(tier ModelTier) string {
	for _, t := range []ModelTier{tier, TierStandard} {
		if model, ok := c.Models[t]; ok && model != "" {
			return model
		}
	}
	return ""
}

// WithModel returns a copy of c with tier mapped to model.
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	out := &Config{Provider: c.Provider, Models: make(map[ModelTier]string, len(c.Models)+1)}
	for k, v := range c.Models {
		out.Models[k] = v
	}
	out.Models[tier] = model
	return out
}
