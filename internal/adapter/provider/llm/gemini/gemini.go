package gemini

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
)

// Config OpenRouter 网关上的 Gemini 结构化配置
type Config struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"` // 默认 https://openrouter.ai/api/v1
	Model          string `json:"model"`    // 默认 google/gemini-2.5-flash
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Provider 把原始研究文本结构化为实体数组的 LLM Provider。
type Provider struct {
	config Config
	client *http.Client
}

// New 创建 Gemini 结构化 Provider
func New(config Config) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = "https://openrouter.ai/api/v1"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = "google/gemini-2.5-flash"
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
	return "gemini"
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
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

// StructureData 把原始研究文本转换为实体数组。模型输出解析失败视为
// 永久错误，重试同一输入不会有不同结果。
func (p *Provider) StructureData(ctx context.Context, req query.Request, raw string) ([]query.Entity, error) {
	body, err := json.Marshal(apiRequest{
		Model: p.config.Model,
		Messages: []apiMessage{
			{Role: "system", Content: structurePrompt},
			{Role: "user", Content: buildUserPrompt(req, raw)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, query.Wrap(query.KindPermanent, query.StageStructure, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, query.Wrap(query.KindPermanent, query.StageStructure, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, query.Wrap(query.KindTimeout, query.StageStructure, "structure request cancelled", ctx.Err())
		}
		return nil, query.Wrap(query.KindTransient, query.StageStructure, "structure request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		kind := query.KindTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = query.KindPermanent
		}
		return nil, &query.Error{
			Kind:     kind,
			Stage:    query.StageStructure,
			Provider: p.Name(),
			Message:  fmt.Sprintf("API error (status %d): %s", resp.StatusCode, string(respBody)),
		}
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, query.Wrap(query.KindTransient, query.StageStructure, "failed to decode response", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, query.New(query.KindTransient, query.StageStructure, "no choices in response")
	}

	return parseEntities(apiResp.Choices[0].Message.Content)
}

// parseEntities 从模型输出中抽取 JSON 数组。模型偶尔会包一层代码围栏
// 或附带说明文字，这里取首个 '[' 到末尾 ']' 之间的片段。
func parseEntities(content string) ([]query.Entity, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, query.Newf(query.KindPermanent, query.StageStructure, "no JSON array found in model output: %.120s", cleaned)
	}

	var entities []query.Entity
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &entities); err != nil {
		return nil, query.Wrap(query.KindPermanent, query.StageStructure, "failed to parse entities JSON", err)
	}
	return entities, nil
}

const structurePrompt = `You convert research text about a person or company into a JSON array of entities.

Output ONLY a JSON array, no prose. Each element:
{
  "id": number,            // 0 for the query subject itself, 1..n for related entities
  "name": string,
  "tag": "person" | "company",
  "relationship_score": number,  // 1-10, closeness to the subject; subject itself is 10
  "summary": string,       // one sentence
  "description": string,   // 2-4 sentences, may reference sources as [1], [2]
  "links": [{"index": number, "url": string}]
}

Rules:
- Exactly one entity must have id 0 (the query subject).
- Only include entities actually supported by the research text.
- links may be an empty array but must be present.`

func buildUserPrompt(req query.Request, raw string) string {
	return fmt.Sprintf("Query subject: %s (type: %s)\n\nResearch text:\n%s", req.Query, req.Type(), raw)
}
