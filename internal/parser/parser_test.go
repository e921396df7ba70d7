package parser

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-feedback/internal/apperr"
	"resume-feedback/internal/testutil"
)

var janeDoePages = [][]string{
	{
		"Jane Doe Resume",
		"Backend Engineer with eight years of experience building services",
		"Skills: Go, MySQL, Redis, Kubernetes",
	},
	{
		"Experience: Acme Corp 2019 to 2024",
		"Led the migration of billing to an event driven design",
	},
}

type stubExtractor struct {
	pages []string
	err   error
	delay time.Duration
}

func (s stubExtractor) Name() string { return "stub" }

func (s stubExtractor) ExtractPages(ctx context.Context, data []byte, uri string) ([]string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.pages, s.err
}

func TestNormalizeWhitespace(t *testing.T) {
	in := "  Jane\t\tDoe  \r\n\r\n\r\n\r\nBackend  Engineer \n"
	assert.Equal(t, "Jane Doe\n\nBackend Engineer", NormalizeWhitespace(in))
	assert.Equal(t, "", NormalizeWhitespace(" \n\t "))
}

func TestJoinPages_KeepsPageOrder(t *testing.T) {
	got := JoinPages([]string{"page one", "  ", "page   three"})
	assert.Equal(t, "page one\n\npage three", got)
}

func TestValidateDocument(t *testing.T) {
	pdf := testutil.BuildPDF(janeDoePages...)

	res := ValidateDocument("resume.pdf", "application/pdf", pdf, 10<<20)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reasons)

	res = ValidateDocument("resume.pdf", "application/pdf", nil, 10<<20)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reasons, "File cannot be empty")

	res = ValidateDocument("resume.docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", []byte("PK"), 10<<20)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reasons, "File must be a PDF")

	res = ValidateDocument("resume.pdf", "", []byte("not really a pdf"), 10<<20)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reasons, "File content is not a valid PDF")

	res = ValidateDocument("resume.pdf", "application/pdf; charset=binary", pdf, 16)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reasons, "File is too large (max 16 bytes)")
}

func TestValidateDocument_ZeroByteReportsEveryReason(t *testing.T) {
	res := ValidateDocument("photo.png", "image/png", []byte{}, 1<<20)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"File cannot be empty", "File must be a PDF"}, res.Reasons)
}

func TestProcessor_ExtractTextWithStub(t *testing.T) {
	p := NewProcessor(stubExtractor{pages: []string{"first   page " + strings.Repeat("x", 30), "second page " + strings.Repeat("y", 30)}}, nil, ProcessorOptions{}, nil)

	text, err := p.ExtractText(context.Background(), []byte("%PDF-1.4"), "a.pdf")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "first page"))
	assert.Less(t, strings.Index(text, "first"), strings.Index(text, "second"))
}

func TestProcessor_ExtractTextTooShort(t *testing.T) {
	p := NewProcessor(stubExtractor{pages: []string{"tiny"}}, nil, ProcessorOptions{MinTextLength: 50}, nil)

	_, err := p.ExtractText(context.Background(), []byte("%PDF-1.4"), "a.pdf")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeExtraction, apperr.CodeOf(err))
}

func TestProcessor_ExtractTextParserFailure(t *testing.T) {
	p := NewProcessor(stubExtractor{err: errors.New("malformed xref")}, nil, ProcessorOptions{}, nil)

	_, err := p.ExtractText(context.Background(), []byte("garbage"), "a.pdf")
	assert.Equal(t, apperr.CodeExtraction, apperr.CodeOf(err))
}

func TestProcessor_ExtractTextTimeout(t *testing.T) {
	p := NewProcessor(stubExtractor{delay: time.Second}, nil, ProcessorOptions{ExtractTimeout: 20 * time.Millisecond}, nil)

	_, err := p.ExtractText(context.Background(), []byte("%PDF-1.4"), "a.pdf")
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))
}

func TestLedongthucExtractor_RealPDF(t *testing.T) {
	pdf := testutil.BuildPDF(janeDoePages...)

	pages, err := LedongthucPDFExtractor{}.ExtractPages(context.Background(), pdf, "jane.pdf")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Contains(t, pages[0], "Jane Doe Resume")
	assert.Contains(t, pages[1], "Acme Corp")

	n, err := PageCount(pdf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p := NewProcessor(LedongthucPDFExtractor{}, nil, ProcessorOptions{}, nil)
	text, err := p.ExtractText(context.Background(), pdf, "jane.pdf")
	require.NoError(t, err)
	assert.Greater(t, len(text), 50)
	assert.Less(t, strings.Index(text, "Jane Doe"), strings.Index(text, "Acme Corp"))
}

func TestLedongthucExtractor_CorruptInput(t *testing.T) {
	p := NewProcessor(LedongthucPDFExtractor{}, nil, ProcessorOptions{}, nil)
	_, err := p.ExtractText(context.Background(), []byte("%PDF-1.4 this is not a real pdf"), "bad.pdf")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeExtraction, apperr.CodeOf(err))
}

func TestFirstPageHTML(t *testing.T) {
	pdf := testutil.BuildPDF(janeDoePages...)

	doc, err := FirstPageHTML(pdf, 816, 1056)
	require.NoError(t, err)
	assert.Contains(t, doc, `width:816px;height:1056px`)
	assert.Contains(t, doc, "<span")
	assert.NotContains(t, doc, "Acme", "只渲染第一页")

	_, err = FirstPageHTML([]byte("garbage"), 816, 1056)
	assert.Error(t, err)
}

type countingPreview struct{ calls int }

func (c *countingPreview) RenderFirstPage(ctx context.Context, data []byte) ([]byte, error) {
	c.calls++
	return []byte("\x89PNG"), nil
}

func TestProcessor_PreviewChecksPageCount(t *testing.T) {
	preview := &countingPreview{}
	p := NewProcessor(stubExtractor{}, preview, ProcessorOptions{}, nil)

	png, err := p.RenderFirstPagePreview(context.Background(), testutil.BuildPDF(janeDoePages...))
	require.NoError(t, err)
	assert.NotEmpty(t, png)
	assert.Equal(t, 1, preview.calls)

	// 同长度替换，xref 偏移不变
	empty := bytes.Replace(testutil.BuildPDF(), []byte("/Kids [4 0 R] /Count 1"), []byte("/Kids []      /Count 0"), 1)
	n, err := PageCount(empty)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = p.RenderFirstPagePreview(context.Background(), empty)
	assert.ErrorContains(t, err, "no pages")
	assert.Equal(t, 1, preview.calls, "没有页面时不调用渲染器")

	// 页数读不出来时仍交给渲染器
	_, err = p.RenderFirstPagePreview(context.Background(), []byte("%PDF-1.4 garbage"))
	require.NoError(t, err)
	assert.Equal(t, 2, preview.calls)
}

func TestProcessor_PreviewDisabled(t *testing.T) {
	p := NewProcessor(stubExtractor{}, nil, ProcessorOptions{}, nil)
	_, err := p.RenderFirstPagePreview(context.Background(), []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, ErrPreviewDisabled)
}
