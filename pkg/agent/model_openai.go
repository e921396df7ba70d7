package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

const (
	defaultOpenAIAPIURL    = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModelName = "gpt-4o-mini"
	maxLoggedBody          = 512
)

// APIError 补全接口返回非200状态
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat completion API returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable 5xx 和 429 值得重试，其余 4xx 为终态
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ErrEmptyChoices 响应中没有任何候选
var ErrEmptyChoices = errors.New("chat completion API returned no choices")

// OpenAICompatibleConfig 模型参数
type OpenAICompatibleConfig struct {
	APIKey      string
	APIURL      string
	Model       string
	Temperature float32
	MaxTokens   int
	JSONMode    bool // 请求 response_format=json_object
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
}

// OpenAICompatibleChatModel 实现 model.BaseChatModel，对接任意 OpenAI 兼容的 chat/completions 接口
type OpenAICompatibleChatModel struct {
	apiKey      string
	modelName   string
	apiURL      string
	temperature float32
	maxTokens   int
	jsonMode    bool
	httpClient  *http.Client
	logger      *zerolog.Logger
}

var _ model.BaseChatModel = (*OpenAICompatibleChatModel)(nil)

// NewOpenAICompatibleChatModel 创建模型客户端
func NewOpenAICompatibleChatModel(cfg OpenAICompatibleConfig) (*OpenAICompatibleChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultOpenAIModelName
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = defaultOpenAIAPIURL
	}
	if cfg.HTTPClient == nil {
		// 单次调用的超时由调用方的 context 控制
		cfg.HTTPClient = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}

	cfg.Logger.Info().Str("api_url", cfg.APIURL).Str("model", cfg.Model).Msg("使用 OpenAI 兼容 LLM 客户端")

	return &OpenAICompatibleChatModel{
		apiKey:      cfg.APIKey,
		modelName:   cfg.Model,
		apiURL:      cfg.APIURL,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		jsonMode:    cfg.JSONMode,
		httpClient:  cfg.HTTPClient,
		logger:      cfg.Logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float32        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// Generate 发送一次补全请求。调用选项可以覆盖模型、温度和最大token数
func (m *OpenAICompatibleChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	temperature := m.temperature
	maxTokens := m.maxTokens
	modelName := m.modelName
	options := model.GetCommonOptions(&model.Options{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Model:       &modelName,
	}, opts...)

	reqPayload := chatCompletionRequest{
		Model:    *options.Model,
		Messages: make([]chatMessage, 0, len(messages)),
	}
	if options.Temperature != nil && *options.Temperature > 0 {
		reqPayload.Temperature = options.Temperature
	}
	if options.MaxTokens != nil && *options.MaxTokens > 0 {
		reqPayload.MaxTokens = options.MaxTokens
	}
	if m.jsonMode {
		reqPayload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		reqPayload.Messages = append(reqPayload.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	m.logger.Debug().
		Int("status", httpResp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Int("request_bytes", len(jsonData)).
		Int("response_bytes", len(bodyBytes)).
		Msg("[LLM] 收到响应")

	if httpResp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: httpResp.StatusCode, Body: truncate(string(bodyBytes), maxLoggedBody)}
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		return nil, fmt.Errorf("反序列化 API 响应失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyChoices
	}

	choice := resp.Choices[0]
	content := ""
	if choice.Message.Content != nil {
		content = *choice.Message.Content
	}
	role := schema.RoleType(choice.Message.Role)
	if role == "" {
		role = schema.Assistant
	}

	out := &schema.Message{Role: role, Content: content}
	out.ResponseMeta = &schema.ResponseMeta{FinishReason: choice.FinishReason}
	if resp.Usage != nil {
		out.ResponseMeta.Usage = &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// Stream 分析场景只需要完整响应
func (m *OpenAICompatibleChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("OpenAICompatibleChatModel 不支持 Stream")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
