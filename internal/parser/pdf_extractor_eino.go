package parser

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

// EinoPDFTextExtractor 使用 Eino PDF Parser 按页提取文本
type EinoPDFTextExtractor struct {
	parser *pdf.PDFParser
	logger *zerolog.Logger
}

var _ PageExtractor = (*EinoPDFTextExtractor)(nil)

// EinoPDFOption PDF提取器的配置选项
type EinoPDFOption func(*EinoPDFTextExtractor)

// WithEinoLogger 配置自定义日志记录器
func WithEinoLogger(logger *zerolog.Logger) EinoPDFOption {
	return func(e *EinoPDFTextExtractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEinoPDFTextExtractor 初始化 Eino PDF 文本提取器。
// 按页面分割，由调用方按页序拼接
func NewEinoPDFTextExtractor(ctx context.Context, options ...EinoPDFOption) (*EinoPDFTextExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Eino PDF parser: %w", err)
	}

	nop := zerolog.Nop()
	extractor := &EinoPDFTextExtractor{
		parser: p,
		logger: &nop,
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor, nil
}

// Name 提取器名称
func (e *EinoPDFTextExtractor) Name() string { return "eino" }

// ExtractPages 返回每页的原始文本，顺序与页码一致
func (e *EinoPDFTextExtractor) ExtractPages(ctx context.Context, data []byte, uri string) (pages []string, err error) {
	// 底层解析库遇到损坏文件时可能 panic
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eino PDF parser panicked for URI %s: %v", uri, r)
		}
	}()

	startTime := time.Now()
	docs, err := e.parser.Parse(ctx, bytes.NewReader(data),
		einoParser.WithURI(uri),
		einoParser.WithExtraMeta(map[string]any{
			"source":          uri,
			"extraction_time": startTime.Format(time.RFC3339),
		}),
	)
	duration := time.Since(startTime)
	if err != nil {
		e.logger.Debug().Err(err).Str("uri", uri).Dur("duration", duration).Msg("Eino PDF解析失败")
		return nil, fmt.Errorf("eino PDF parser failed for URI %s: %w", uri, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("eino PDF parser returned no documents for URI %s", uri)
	}

	pages = make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, doc.Content)
	}
	e.logger.Debug().Str("uri", uri).Int("pages", len(pages)).Dur("duration", duration).Msg("Eino PDF解析完成")
	return pages, nil
}
