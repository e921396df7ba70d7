package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"resume-feedback/internal/types"
)

var (
	// ErrNotJSON 响应内容里找不到可解析的JSON对象
	ErrNotJSON = errors.New("response is not a JSON object")
	// ErrInvalidShape JSON 可解析但缺少必需字段
	ErrInvalidShape = errors.New("response JSON does not match the feedback shape")
)

// 只要求 overall_score 和 categories，其余字段可缺省
const feedbackSchema = `{
  "type": "object",
  "required": ["overall_score", "categories"],
  "properties": {
    "overall_score": {"type": ["number", "string"]},
    "ats_score": {"type": ["number", "string", "null"]},
    "categories": {"type": "object"}
  }
}`

var feedbackSchemaLoader = gojsonschema.NewStringLoader(feedbackSchema)

// CleanJSON 去掉BOM、代码块标记和JSON对象之外的文字
func CleanJSON(input string) string {
	clean := strings.TrimSpace(strings.TrimPrefix(input, "\ufeff"))

	if strings.HasPrefix(clean, "```json") || strings.HasPrefix(clean, "```JSON") {
		clean = clean[len("```json"):]
	} else if strings.HasPrefix(clean, "```") {
		clean = strings.TrimPrefix(clean, "```")
	}
	clean = strings.TrimLeft(clean, "\r\n")
	clean = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(clean), "```"))

	start := strings.Index(clean, "{")
	end := strings.LastIndex(clean, "}")
	if start >= 0 && end > start {
		clean = clean[start : end+1]
	}
	return clean
}

// ParseFeedback 解析并做最小结构校验。
// 返回的错误 wrap ErrNotJSON 或 ErrInvalidShape
func ParseFeedback(raw string) (*types.FeedbackResult, error) {
	clean := CleanJSON(raw)
	if clean == "" || !strings.HasPrefix(clean, "{") || !json.Valid([]byte(clean)) {
		return nil, fmt.Errorf("%w: %q", ErrNotJSON, preview(raw))
	}

	res, err := gojsonschema.Validate(feedbackSchemaLoader, gojsonschema.NewStringLoader(clean))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidShape, strings.Join(msgs, "; "))
	}

	var fb types.FeedbackResult
	if err := json.Unmarshal([]byte(clean), &fb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	if fb.Categories == nil {
		fb.Categories = map[string]types.CategoryFeedback{}
	}
	return &fb, nil
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
