package ratelimit

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// RateLimitedLLMModel 对LLM模型的调用进行限流的代理。
// 只负责等待令牌，重试由调用方决定
type RateLimitedLLMModel struct {
	original    model.BaseChatModel
	rateLimiter *TokenBucket
}

var _ model.BaseChatModel = (*RateLimitedLLMModel)(nil)

// NewRateLimitedLLMModel 创建一个新的限流LLM模型代理
func NewRateLimitedLLMModel(original model.BaseChatModel, qpm int) *RateLimitedLLMModel {
	return &RateLimitedLLMModel{
		original:    original,
		rateLimiter: NewTokenBucket(qpm, qpm/2), // 容量设为QPM的一半，允许一定的突发流量
	}
}

// Generate 拿到令牌后调用原模型
func (rl *RateLimitedLLMModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	if err := rl.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return rl.original.Generate(ctx, messages, options...)
}

// Stream 拿到令牌后调用原模型
func (rl *RateLimitedLLMModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := rl.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return rl.original.Stream(ctx, messages, options...)
}

// NewLLMWithRateLimit qpm 为 0 时不限流，直接返回原模型
func NewLLMWithRateLimit(original model.BaseChatModel, qpm int) model.BaseChatModel {
	if qpm <= 0 {
		return original
	}
	return NewRateLimitedLLMModel(original, qpm)
}
