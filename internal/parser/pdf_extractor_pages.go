package parser

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// LedongthucPDFExtractor 基于 ledongthuc/pdf 逐页读取纯文本
type LedongthucPDFExtractor struct{}

var _ PageExtractor = LedongthucPDFExtractor{}

func (LedongthucPDFExtractor) Name() string { return "pages" }

// ExtractPages 空页返回空字符串，保持页码对齐
func (LedongthucPDFExtractor) ExtractPages(ctx context.Context, data []byte, uri string) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to read pdf %s: %v", uri, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf %s: %w", uri, err)
	}

	numPages := reader.NumPage()
	pages = make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d of %s: %w", i, uri, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// PageCount 返回PDF页数
func PageCount(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to read pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}
