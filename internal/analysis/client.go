package analysis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"resume-feedback/internal/apperr"
	"resume-feedback/internal/config"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/tracing"
	"resume-feedback/internal/types"
	"resume-feedback/pkg/agent"
	"resume-feedback/pkg/ratelimit"
)

// Analyzer 编排器依赖的分析接口
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*types.FeedbackResult, error)
}

// Options 重试与超时
type Options struct {
	MaxAttempts int
	Timeout     time.Duration // 单次调用
	RetryDelay  time.Duration
}

// Client 调用补全模型并解析结构化反馈
type Client struct {
	chat   model.BaseChatModel
	opts   Options
	logger *zerolog.Logger
}

var _ Analyzer = (*Client)(nil)

// NewClient chat 可以是任意 eino 模型，测试中传 MockChatClient
func NewClient(chat model.BaseChatModel, opts Options, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Client{chat: chat, opts: opts, logger: logger}
}

// NewClientFromConfig 创建 OpenAI 兼容模型，按 qpm 限流
func NewClientFromConfig(cfg *config.AIConfig, logger *zerolog.Logger) (*Client, error) {
	chat, err := agent.NewOpenAICompatibleChatModel(agent.OpenAICompatibleConfig{
		APIKey:      cfg.APIKey,
		APIURL:      cfg.APIURL,
		Model:       cfg.Model,
		Temperature: float32(cfg.Temperature),
		MaxTokens:   cfg.MaxTokens,
		JSONMode:    cfg.JSONMode,
		Logger:      logger,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConfig, "analysis.newClient", err, "AI client is not configured")
	}
	return NewClient(ratelimit.NewLLMWithRateLimit(chat, cfg.QPM), Options{
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     config.GetDuration(cfg.Timeout, 60*time.Second),
		RetryDelay:  config.GetDuration(cfg.RetryDelay, time.Second),
	}, logger), nil
}

// Analyze 生成提示词、调用模型并解析结果。
// 传输失败、超时和非JSON响应会重试；JSON结构缺少必需字段时立即返回 INVALID_RESPONSE
func (c *Client) Analyze(ctx context.Context, req Request) (*types.FeedbackResult, error) {
	const op = "analysis.analyze"
	if strings.TrimSpace(req.ResumeText) == "" {
		return nil, apperr.New(apperr.CodeValidation, op, "resume text is empty")
	}

	ctx, span := tracing.Tracer().Start(ctx, "analysis.Analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("analysis.mode", string(req.Mode)),
		attribute.Int("analysis.resume_chars", len(req.ResumeText)),
		attribute.String("analysis.resume_excerpt", tracing.SafeResumeContent(req.ResumeText)),
	)

	messages, err := BuildMessages(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, op, err, "failed to build prompt")
	}

	policy := resilience.RetryPolicy{
		MaxAttempts: c.opts.MaxAttempts,
		BaseDelay:   c.opts.RetryDelay,
		MaxDelay:    10 * time.Second,
		Factor:      2,
		Retryable:   retryableAnalysisError,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.opts.MaxAttempts).
				Dur("delay", delay).Msg("AI分析失败，准备重试")
		},
	}

	fb, err := resilience.RetryWithBackoff(ctx, policy, func(ctx context.Context, attempt int) (*types.FeedbackResult, error) {
		span.SetAttributes(attribute.Int("analysis.attempt", attempt))
		return resilience.WithTimeout(ctx, c.opts.Timeout, "AI analysis timed out",
			func(ctx context.Context) (*types.FeedbackResult, error) {
				return c.attempt(ctx, messages)
			})
	})
	if err != nil {
		tracing.RecordAppError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("analysis.overall_score", int(fb.OverallScore)),
		attribute.Int("analysis.ats_score", int(fb.ATSScore)),
	)
	c.logger.Info().Int("overall_score", int(fb.OverallScore)).Int("ats_score", int(fb.ATSScore)).
		Int("categories", len(fb.Categories)).Msg("AI分析完成")
	return fb, nil
}

func (c *Client) attempt(ctx context.Context, messages []*schema.Message) (*types.FeedbackResult, error) {
	const op = "analysis.generate"
	resp, err := c.chat.Generate(ctx, messages)
	if err != nil {
		return nil, classifyModelError(ctx, op, err)
	}
	if resp == nil {
		return nil, apperr.Wrap(apperr.CodeInvalidResponse, op, ErrNotJSON, "AI returned an empty message")
	}

	fb, err := ParseFeedback(resp.Content)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidResponse, op, err, "AI returned an invalid response structure")
	}
	return fb, nil
}

func classifyModelError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return apperr.FromContext(ctx, op)
	}
	var apiErr *agent.APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Retryable() {
			return apperr.Wrap(apperr.CodeTransport, op, err, "AI service returned a temporary error")
		}
		return apperr.Wrap(apperr.CodeServiceDegraded, op, err, "AI service rejected the request")
	case errors.Is(err, agent.ErrEmptyChoices):
		return apperr.Wrap(apperr.CodeInvalidResponse, op, errors.Join(ErrNotJSON, err), "AI returned no content")
	case resilience.IsRetryable(err):
		return apperr.Wrap(apperr.CodeTransport, op, err, "could not reach the AI service")
	default:
		return apperr.Wrap(apperr.CodeServiceDegraded, op, err, "AI service call failed")
	}
}

// 非JSON内容算一次失败的尝试；结构不符是终态
func retryableAnalysisError(err error) bool {
	if errors.Is(err, ErrInvalidShape) {
		return false
	}
	if errors.Is(err, ErrNotJSON) {
		return true
	}
	return resilience.IsRetryable(err)
}
