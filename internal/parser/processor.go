package parser

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-feedback/internal/apperr"
	"resume-feedback/internal/config"
	"resume-feedback/internal/constants"
	"resume-feedback/internal/resilience"
)

// PageExtractor 按页提取PDF文本
type PageExtractor interface {
	Name() string
	ExtractPages(ctx context.Context, data []byte, uri string) ([]string, error)
}

// PreviewRenderer 生成第一页预览图
type PreviewRenderer interface {
	RenderFirstPage(ctx context.Context, data []byte) ([]byte, error)
}

type disabledPreview struct{}

func (disabledPreview) RenderFirstPage(context.Context, []byte) ([]byte, error) {
	return nil, ErrPreviewDisabled
}

// Processor 文档处理：文本提取、预览图和文件校验
type Processor struct {
	extractor      PageExtractor
	preview        PreviewRenderer
	minTextLength  int
	maxFileSize    int64
	extractTimeout time.Duration
	logger         *zerolog.Logger
}

// ProcessorOptions 处理器参数
type ProcessorOptions struct {
	MinTextLength  int
	MaxFileSize    int64
	ExtractTimeout time.Duration
}

// NewProcessor preview 为 nil 时预览始终失败（不影响主流程）
func NewProcessor(extractor PageExtractor, preview PreviewRenderer, opts ProcessorOptions, logger *zerolog.Logger) *Processor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if preview == nil {
		preview = disabledPreview{}
	}
	if opts.MinTextLength <= 0 {
		opts.MinTextLength = constants.MinExtractedTextLength
	}
	return &Processor{
		extractor:      extractor,
		preview:        preview,
		minTextLength:  opts.MinTextLength,
		maxFileSize:    opts.MaxFileSize,
		extractTimeout: opts.ExtractTimeout,
		logger:         logger,
	}
}

// NewExtractor 根据配置选择提取器
func NewExtractor(ctx context.Context, cfg *config.DocumentConfig, logger *zerolog.Logger) (PageExtractor, error) {
	switch strings.ToLower(cfg.Extractor) {
	case "", "eino":
		return NewEinoPDFTextExtractor(ctx, WithEinoLogger(logger))
	case "pages":
		return LedongthucPDFExtractor{}, nil
	default:
		return nil, fmt.Errorf("未知的PDF提取器: %s", cfg.Extractor)
	}
}

// NewProcessorFromConfig 组合根使用
func NewProcessorFromConfig(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*Processor, error) {
	extractor, err := NewExtractor(ctx, &cfg.Document, logger)
	if err != nil {
		return nil, err
	}
	var preview PreviewRenderer
	if cfg.Document.PreviewEnabled {
		preview = NewChromedpPreviewRenderer(PreviewOptions{
			Width:      cfg.Document.PreviewWidth,
			Height:     cfg.Document.PreviewHeight,
			Scale:      cfg.Document.PreviewScale,
			Timeout:    config.GetDuration(cfg.Document.PreviewTimeout, 60*time.Second),
			ChromePath: cfg.Document.ChromePath,
		}, logger)
	}
	return NewProcessor(extractor, preview, ProcessorOptions{
		MinTextLength:  cfg.Document.MinTextLength,
		MaxFileSize:    cfg.MaxFileSizeBytes(),
		ExtractTimeout: config.GetDuration(cfg.Document.ExtractTimeout, 30*time.Second),
	}, logger), nil
}

// ExtractText 解析所有页，按页序拼接并规整空白。
// 无法解析或文本少于最小长度时返回 EXTRACTION_FAILED
func (p *Processor) ExtractText(ctx context.Context, data []byte, filename string) (string, error) {
	const op = "extractText"
	if len(data) == 0 {
		return "", apperr.New(apperr.CodeExtraction, op, "PDF file is empty")
	}

	pages, err := resilience.WithTimeout(ctx, p.extractTimeout, "PDF text extraction timed out",
		func(ctx context.Context) ([]string, error) {
			return p.extractor.ExtractPages(ctx, data, filename)
		})
	if err != nil {
		if c := apperr.CodeOf(err); c == apperr.CodeCancelled || c == apperr.CodeTimeout {
			return "", err
		}
		return "", apperr.Wrap(apperr.CodeExtraction, op, err, "Could not read text from this PDF. It may be corrupt or not a PDF.")
	}

	text := JoinPages(pages)
	if n := utf8.RuneCountInString(text); n < p.minTextLength {
		return "", apperr.New(apperr.CodeExtraction, op,
			fmt.Sprintf("Extracted text is too short (%d characters). The PDF may be scanned or image-only.", n))
	}

	p.logger.Debug().Str("extractor", p.extractor.Name()).Int("pages", len(pages)).
		Int("chars", len(text)).Msg("PDF文本提取完成")
	return text, nil
}

// RenderFirstPagePreview 生成第一页预览图，失败由调用方决定是否忽略。
// 没有页面时不启动渲染器；页数读不出来时仍交给渲染器尝试
func (p *Processor) RenderFirstPagePreview(ctx context.Context, data []byte) ([]byte, error) {
	n, err := PageCount(data)
	switch {
	case err != nil:
		p.logger.Debug().Err(err).Msg("无法读取PDF页数")
	case n == 0:
		return nil, fmt.Errorf("PDF has no pages to preview")
	default:
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("pdf.pages", n))
	}

	png, err := p.preview.RenderFirstPage(ctx, data)
	if err != nil {
		return nil, err
	}
	if len(png) == 0 {
		return nil, fmt.Errorf("preview renderer returned an empty image")
	}
	return png, nil
}

// ValidateDocument 使用处理器的大小上限校验文件
func (p *Processor) ValidateDocument(filename, contentType string, data []byte) ValidationResult {
	return ValidateDocument(filename, contentType, data, p.maxFileSize)
}
