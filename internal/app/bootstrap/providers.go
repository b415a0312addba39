package bootstrap

import (
	"relgraph/internal/adapter/provider/llm/gemini"
	"relgraph/internal/adapter/provider/search/perplexity"
	"relgraph/internal/adapter/provider/search/tavily"
	"relgraph/internal/domain/query"
	"relgraph/internal/platform/config"
)

// Providers 流水线依赖的全部外部供应商。
type Providers struct {
	Primary    query.SearchProvider
	Fallback   query.SearchProvider
	Structurer query.Structurer
	Avatars    query.AvatarSearcher
}

// BuildProviders 按配置组装供应商。Tavily 同时承担备用搜索和头像检索。
func BuildProviders(cfg *config.AppConfig) *Providers {
	tav := tavily.New(tavily.Config{
		APIKey:         cfg.Tavily.APIKey,
		BaseURL:        cfg.Tavily.BaseURL,
		TimeoutSeconds: cfg.Tavily.TimeoutSeconds,
	})

	return &Providers{
		Primary: perplexity.New(perplexity.Config{
			APIKey:              cfg.OpenRouter.APIKey,
			BaseURL:             cfg.OpenRouter.BaseURL,
			Model:               cfg.Search.Model,
			MaxRetries:          cfg.Search.MaxRetries,
			RetryBackoffSeconds: cfg.Search.RetryBackoffSeconds,
			TimeoutSeconds:      cfg.Search.TimeoutSeconds,
		}),
		Fallback: tav,
		Structurer: gemini.New(gemini.Config{
			APIKey:         cfg.OpenRouter.APIKey,
			BaseURL:        cfg.OpenRouter.BaseURL,
			Model:          cfg.Structure.Model,
			TimeoutSeconds: cfg.Structure.TimeoutSeconds,
		}),
		Avatars: tav,
	}
}
