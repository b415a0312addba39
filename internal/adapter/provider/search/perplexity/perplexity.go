package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"relgraph/internal/domain/query"
	applog "relgraph/internal/platform/log"
)

// Config OpenRouter 网关上的 Perplexity 搜索配置
type Config struct {
	APIKey              string `json:"api_key"`
	BaseURL             string `json:"base_url"` // 默认 https://openrouter.ai/api/v1
	Model               string `json:"model"`    // 默认 perplexity/sonar-pro
	MaxRetries          int    `json:"max_retries"`
	RetryBackoffSeconds int    `json:"retry_backoff_seconds"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
}

// Provider 主搜索供应商。联网研究模型，带线性退避重试。
type Provider struct {
	config Config
	client *http.Client
}

// New 创建 Perplexity 搜索 Provider
func New(config Config) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = "https://openrouter.ai/api/v1"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = "perplexity/sonar-pro"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoffSeconds <= 0 {
		config.RetryBackoffSeconds = 2
	}

	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = 30 * time.Second

	return &Provider{
		config: config,
		client: &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (p *Provider) Name() string {
	return "perplexity"
}

type apiRequest struct {
	Model    string       `json:"model"`
	Messages []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
}

type apiChoice struct {
	Message apiMessage `json:"message"`
}

// SearchInformation 检索查询主体的关系信息。瞬态错误按 attempt*backoff
// 线性退避重试，永久错误立即返回。
func (p *Provider) SearchInformation(ctx context.Context, req query.Request) (string, error) {
	prompt := buildResearchPrompt(req)
	backoff := time.Duration(p.config.RetryBackoffSeconds) * time.Second

	var lastErr error
	for attempt := 1; attempt <= p.config.MaxRetries; attempt++ {
		content, err := p.complete(ctx, prompt)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if query.KindOf(err) != query.KindTransient {
			return "", err
		}
		if attempt == p.config.MaxRetries {
			break
		}

		wait := time.Duration(attempt) * backoff
		applog.Warnf("perplexity attempt %d/%d failed, retrying in %s: %v", attempt, p.config.MaxRetries, wait, err)
		select {
		case <-ctx.Done():
			return "", query.Wrap(query.KindTimeout, query.StageSearch, "search cancelled", ctx.Err())
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

func (p *Provider) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(apiRequest{
		Model: p.config.Model,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", query.Wrap(query.KindPermanent, query.StageSearch, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", query.Wrap(query.KindPermanent, query.StageSearch, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", query.Wrap(query.KindTimeout, query.StageSearch, "search request cancelled", ctx.Err())
		}
		return "", query.Wrap(query.KindTransient, query.StageSearch, "search request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		kind := classifyStatus(resp.StatusCode)
		return "", &query.Error{
			Kind:     kind,
			Stage:    query.StageSearch,
			Provider: p.Name(),
			Message:  fmt.Sprintf("API error (status %d): %s", resp.StatusCode, string(respBody)),
		}
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", query.Wrap(query.KindTransient, query.StageSearch, "failed to decode response", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", query.New(query.KindTransient, query.StageSearch, "no choices in response")
	}

	content := strings.TrimSpace(apiResp.Choices[0].Message.Content)
	if content == "" {
		return "", query.New(query.KindTransient, query.StageSearch, "empty search response")
	}
	return content, nil
}

// classifyStatus 按 HTTP 状态划分错误类别：限流和服务端错误可重试，
// 其余 4xx 视为永久错误。
func classifyStatus(status int) query.Kind {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return query.KindTransient
	case status >= 500:
		return query.KindTransient
	default:
		return query.KindPermanent
	}
}

func buildResearchPrompt(req query.Request) string {
	subject := strings.TrimSpace(req.Query)
	switch req.Type() {
	case "person":
		return fmt.Sprintf(`Research the person "%s" and their network of relationships.

Find and describe:
1. Who this person is: role, organization, notable background.
2. The people most closely connected to them (colleagues, co-founders, family, mentors, rivals) and the nature of each relationship.
3. The companies and organizations they are tied to (founded, leads, invested in, board member of) and how.
4. Cite sources with URLs for every claim where possible.

Be factual and specific. Include names, titles, and dates.`, subject)
	case "company":
		return fmt.Sprintf(`Research the company "%s" and its network of relationships.

Find and describe:
1. What this company does, when it was founded, and its current status.
2. Key people: founders, executives, board members, and their roles.
3. Related companies: investors, subsidiaries, partners, major competitors.
4. Cite sources with URLs for every claim where possible.

Be factual and specific. Include names, titles, and dates.`, subject)
	default:
		return fmt.Sprintf(`Research "%s" and the network of people and organizations connected to it.

Identify the subject, the people and companies most closely related to it, and the
nature of each relationship. Cite sources with URLs for every claim where possible.
Be factual and specific.`, subject)
	}
}
