package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"
)

// ErrPreviewDisabled 配置关闭了预览生成
var ErrPreviewDisabled = errors.New("preview generation is disabled")

// letter 尺寸，MediaBox 缺失时使用
const (
	defaultMediaWidth  = 612.0
	defaultMediaHeight = 792.0
)

// PreviewOptions 预览图尺寸与放大倍数
type PreviewOptions struct {
	Width      int     // CSS 像素
	Height     int     // CSS 像素
	Scale      float64 // 设备像素比，即固定放大倍数
	Timeout    time.Duration
	ChromePath string
}

// ChromedpPreviewRenderer 把第一页的文本层按原始坐标排版成HTML，再用无头Chrome截图
type ChromedpPreviewRenderer struct {
	opts   PreviewOptions
	logger *zerolog.Logger
}

var _ PreviewRenderer = (*ChromedpPreviewRenderer)(nil)

func NewChromedpPreviewRenderer(opts PreviewOptions, logger *zerolog.Logger) *ChromedpPreviewRenderer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.Width <= 0 {
		opts.Width = 816
	}
	if opts.Height <= 0 {
		opts.Height = 1056
	}
	if opts.Scale <= 0 {
		opts.Scale = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &ChromedpPreviewRenderer{opts: opts, logger: logger}
}

// RenderFirstPage 返回第一页的PNG
func (r *ChromedpPreviewRenderer) RenderFirstPage(ctx context.Context, data []byte) ([]byte, error) {
	doc, err := FirstPageHTML(data, r.opts.Width, r.opts.Height)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	chromePath := r.opts.ChromePath
	if chromePath == "" {
		chromePath = os.Getenv("CHROME_PATH")
	}
	if chromePath != "" {
		opts = append(opts, chromedp.ExecPath(chromePath))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	cctx, cancelCtx := chromedp.NewContext(allocCtx)
	defer cancelCtx()
	runCtx, cancelRun := context.WithTimeout(cctx, r.opts.Timeout)
	defer cancelRun()

	tmpDir, err := os.MkdirTemp("", "resume-preview-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)
	htmlPath := filepath.Join(tmpDir, "page1.html")
	if err := os.WriteFile(htmlPath, []byte(doc), 0o644); err != nil {
		return nil, err
	}

	var png []byte
	err = chromedp.Run(runCtx,
		emulation.SetDeviceMetricsOverride(int64(r.opts.Width), int64(r.opts.Height), r.opts.Scale, false),
		chromedp.Navigate("file://"+htmlPath),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			png, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp截图失败: %w", err)
	}
	r.logger.Debug().Int("bytes", len(png)).Float64("scale", r.opts.Scale).Msg("预览图生成完成")
	return png, nil
}

// FirstPageHTML 按PDF坐标把第一页的文字绝对定位到 width x height 的白色画布上
func FirstPageHTML(data []byte, width, height int) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("读取第一页失败: %v", rec)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to read pdf: %w", err)
	}
	if reader.NumPage() < 1 {
		return "", errors.New("pdf has no pages")
	}
	p := reader.Page(1)
	if p.V.IsNull() {
		return "", errors.New("first page is empty")
	}

	x0, y0, mediaW, mediaH := mediaBox(p)
	scale := float64(width) / mediaW

	var b strings.Builder
	fmt.Fprintf(&b, `<!DOCTYPE html><html><head><meta charset="utf-8"><style>`+
		`html,body{margin:0;padding:0;background:#fff}`+
		`#page{position:relative;width:%dpx;height:%dpx;overflow:hidden;font-family:Helvetica,Arial,sans-serif;color:#111}`+
		`#page span{position:absolute;white-space:pre;line-height:1}`+
		`</style></head><body><div id="page">`, width, height)
	for _, t := range p.Content().Text {
		if strings.TrimSpace(t.S) == "" {
			continue
		}
		size := t.FontSize * scale
		left := (t.X - x0) * scale
		top := (mediaH-(t.Y-y0))*scale - size
		fmt.Fprintf(&b, `<span style="left:%.1fpx;top:%.1fpx;font-size:%.1fpx">%s</span>`,
			left, top, size, html.EscapeString(t.S))
	}
	b.WriteString(`</div></body></html>`)
	return b.String(), nil
}

func mediaBox(p pdf.Page) (x0, y0, w, h float64) {
	box := p.V.Key("MediaBox")
	if box.Len() == 4 {
		x0, y0 = box.Index(0).Float64(), box.Index(1).Float64()
		w, h = box.Index(2).Float64()-x0, box.Index(3).Float64()-y0
		if w > 0 && h > 0 {
			return x0, y0, w, h
		}
	}
	return 0, 0, defaultMediaWidth, defaultMediaHeight
}
