package tavily

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

// Config Tavily 搜索 API 配置
type Config struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"` // 默认 https://api.tavily.com
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Provider 备用搜索供应商，同时承担头像/标志图片检索。
type Provider struct {
	config Config
	client *http.Client
}

// New 创建 Tavily Provider
func New(config Config) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.tavily.com"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
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
	return "tavily"
}

type apiRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth,omitempty"`
	IncludeAnswer bool   `json:"include_answer,omitempty"`
	IncludeImages bool   `json:"include_images,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
}

type apiResponse struct {
	Answer  string      `json:"answer"`
	Results []apiResult `json:"results"`
	Images  []apiImage  `json:"images"`
}

type apiResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type apiImage struct {
	URL string `json:"url"`
}

// SearchInformation 备用检索。先做一轮深度搜索，再补一轮近期动态；
// 第二轮失败不影响整体结果。
func (p *Provider) SearchInformation(ctx context.Context, req query.Request) (string, error) {
	subject := strings.TrimSpace(req.Query)

	detailed, err := p.search(ctx, apiRequest{
		Query:         buildDetailedQuery(subject, req.Type()),
		SearchDepth:   "advanced",
		IncludeAnswer: true,
		MaxResults:    10,
	})
	if err != nil {
		return "", err
	}

	var sections []string
	sections = append(sections, formatResults("Background", detailed))

	recent, err := p.search(ctx, apiRequest{
		Query:         fmt.Sprintf("%s recent news partnerships relationships", subject),
		SearchDepth:   "basic",
		IncludeAnswer: true,
		MaxResults:    5,
	})
	if err != nil {
		applog.Warnf("tavily recent-news round failed, keeping first round only: %v", err)
	} else {
		sections = append(sections, formatResults("Recent developments", recent))
	}

	return strings.Join(sections, "\n\n"), nil
}

// SearchAvatar 查找实体的头像或标志图片。首查无图时退到更简单的
// 查询再试一次。找不到不算错误，返回空串。
func (p *Provider) SearchAvatar(ctx context.Context, name string, tag query.Tag) (string, error) {
	primaryQuery := fmt.Sprintf("%s profile photo headshot portrait", name)
	fallbackQuery := fmt.Sprintf("%s photo", name)
	if tag == query.TagCompany {
		primaryQuery = fmt.Sprintf("%s company logo official", name)
		fallbackQuery = fmt.Sprintf("%s logo", name)
	}

	url, err := p.firstImage(ctx, primaryQuery)
	if err != nil {
		return "", err
	}
	if url != "" {
		return url, nil
	}
	return p.firstImage(ctx, fallbackQuery)
}

func (p *Provider) firstImage(ctx context.Context, q string) (string, error) {
	resp, err := p.doSearch(ctx, apiRequest{
		Query:         q,
		IncludeImages: true,
		MaxResults:    3,
	}, query.StageEnrich)
	if err != nil {
		return "", err
	}
	if len(resp.Images) == 0 {
		return "", nil
	}
	return resp.Images[0].URL, nil
}

func (p *Provider) search(ctx context.Context, req apiRequest) (*apiResponse, error) {
	return p.doSearch(ctx, req, query.StageSearch)
}

func (p *Provider) doSearch(ctx context.Context, req apiRequest, stage query.Stage) (*apiResponse, error) {
	payload := struct {
		apiRequest
		APIKey string `json:"api_key"`
	}{apiRequest: req, APIKey: p.config.APIKey}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, query.Wrap(query.KindPermanent, stage, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, query.Wrap(query.KindPermanent, stage, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, query.Wrap(query.KindTimeout, stage, "tavily request cancelled", ctx.Err())
		}
		return nil, query.Wrap(query.KindTransient, stage, "tavily request failed", err)
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
			Stage:    stage,
			Provider: p.Name(),
			Message:  fmt.Sprintf("API error (status %d): %s", resp.StatusCode, string(respBody)),
		}
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, query.Wrap(query.KindTransient, stage, "failed to decode response", err)
	}
	return &apiResp, nil
}

func buildDetailedQuery(subject, queryType string) string {
	switch queryType {
	case "person":
		return fmt.Sprintf("%s biography career relationships colleagues companies", subject)
	case "company":
		return fmt.Sprintf("%s company founders executives investors partners competitors", subject)
	default:
		return fmt.Sprintf("%s related people companies relationships", subject)
	}
}

func formatResults(title string, resp *apiResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", title)
	if resp.Answer != "" {
		b.WriteString(resp.Answer)
		b.WriteString("\n")
	}
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "\n### %s\n%s\nSource: %s\n", r.Title, r.Content, r.URL)
	}
	return b.String()
}
