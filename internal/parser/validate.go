package parser

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"resume-feedback/internal/constants"
)

// ValidationResult 文件校验结果，不会返回错误
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons"`
}

// PDF 头允许出现在前 1024 字节内
var pdfMagic = []byte("%PDF-")

// ValidateDocument 检查类型、大小和非空。contentType 可以为空
func ValidateDocument(filename, contentType string, data []byte, maxSize int64) ValidationResult {
	reasons := []string{}

	if len(data) == 0 {
		reasons = append(reasons, "File cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	typeOK := ext == ".pdf" || ct == constants.ContentTypePDF
	if ct != "" && ct != constants.ContentTypePDF && ct != "application/octet-stream" {
		typeOK = false
	}
	if !typeOK {
		reasons = append(reasons, "File must be a PDF")
	} else if len(data) > 0 && !bytes.Contains(data[:min(len(data), 1024)], pdfMagic) {
		reasons = append(reasons, "File content is not a valid PDF")
	}

	if maxSize > 0 && int64(len(data)) > maxSize {
		reasons = append(reasons, fmt.Sprintf("File is too large (max %s)", humanSize(maxSize)))
	}

	return ValidationResult{Valid: len(reasons) == 0, Reasons: reasons}
}

func humanSize(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	if n >= 1<<10 && n%(1<<10) == 0 {
		return fmt.Sprintf("%dKB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}
