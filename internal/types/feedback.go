package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Score 0-100 的整数分。模型可能返回小数或字符串，解析时统一取整并截断到区间内
type Score int

func (s *Score) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("无效的分数: %s", raw)
		}
		raw = strings.TrimSuffix(strings.TrimSpace(unquoted), "%")
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("无效的分数: %s", raw)
	}
	*s = Score(clampScore(int(math.Round(f))))
	return nil
}

// Weight 维度权重，百分比。模型可能返回 0.25 这样的比例，按 25 处理
type Weight int

func (w *Weight) UnmarshalJSON(data []byte) error {
	var s Score
	data = bytes.TrimSpace(data)
	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("无效的权重: %s", raw)
		}
		raw = strings.TrimSpace(unquoted)
	}
	if f, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64); err == nil && f > 0 && f < 1 {
		*w = Weight(clampScore(int(math.Round(f * 100))))
		return nil
	}
	if err := s.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("无效的权重: %s", raw)
	}
	*w = Weight(s)
	return nil
}

func clampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Tip 单条改进建议
type Tip struct {
	Tip         string `json:"tip"`
	Explanation string `json:"explanation,omitempty"`
	Priority    string `json:"priority,omitempty"` // high, medium, low
}

// UnmarshalJSON 同时接受对象和纯字符串形式的建议
func (t *Tip) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*t = Tip{Tip: text}
		return nil
	}
	type plain Tip
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Tip(p)
	return nil
}

// CategoryFeedback 单个评分维度的结果
type CategoryFeedback struct {
	Score       Score  `json:"score"`
	Weight      Weight `json:"weight"`
	Description string `json:"description,omitempty"`
	Tips        []Tip  `json:"tips"`
}

// UnmarshalJSON 逐个字段宽松解析，类型不对的字段丢弃而不是让整个结果失效。
// 不是对象的维度解析为零值
func (c *CategoryFeedback) UnmarshalJSON(data []byte) error {
	*c = CategoryFeedback{}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	if raw, ok := fields["score"]; ok {
		_ = json.Unmarshal(raw, &c.Score)
	}
	if raw, ok := fields["weight"]; ok {
		_ = json.Unmarshal(raw, &c.Weight)
	}
	if raw, ok := fields["description"]; ok {
		_ = json.Unmarshal(raw, &c.Description)
	}
	if raw, ok := fields["tips"]; ok {
		c.Tips = decodeTips(raw)
	}
	return nil
}

// decodeTips 接受数组或单个建议，跳过无法解析的元素
func decodeTips(raw json.RawMessage) []Tip {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var single Tip
		if err := json.Unmarshal(raw, &single); err == nil && single.Tip != "" {
			return []Tip{single}
		}
		return nil
	}
	tips := make([]Tip, 0, len(items))
	for _, item := range items {
		var t Tip
		if err := json.Unmarshal(item, &t); err != nil || t.Tip == "" {
			continue
		}
		tips = append(tips, t)
	}
	return tips
}

// FeedbackResult AI返回的结构化反馈。
// 只有 overall_score 和 categories 是必需的，其余块原样保留，展示层视为可选
type FeedbackResult struct {
	OverallScore        Score                       `json:"overall_score"`
	ATSScore            Score                       `json:"ats_score"`
	ScoreInterpretation json.RawMessage             `json:"score_interpretation,omitempty"`
	Categories          map[string]CategoryFeedback `json:"categories"`
	DetailedAnalysis    json.RawMessage             `json:"detailed_analysis,omitempty"`
	ImprovementRoadmap  json.RawMessage             `json:"improvement_roadmap,omitempty"`
	CompetitiveAnalysis json.RawMessage             `json:"competitive_analysis,omitempty"`
	Suggestions         json.RawMessage             `json:"suggestions,omitempty"`

	// Placeholder 为 true 表示AI不可用时的占位结果
	Placeholder bool `json:"is_placeholder,omitempty"`
}

// CategoryDefinition 评分维度定义
type CategoryDefinition struct {
	Key         string
	Title       string
	Weight      int // 百分比，所有维度合计100
	Description string
}

// Categories 固定的五个评分维度，顺序即展示顺序
var Categories = []CategoryDefinition{
	{Key: "ats_compatibility", Title: "ATS Compatibility", Weight: 25, Description: "How reliably applicant tracking systems can parse the resume: layout, headings, file structure, symbols."},
	{Key: "content_quality", Title: "Content Quality", Weight: 25, Description: "Clarity, specificity and relevance of the experience, skills and summary sections."},
	{Key: "keyword_alignment", Title: "Keyword Alignment", Weight: 20, Description: "Coverage of the skills, tools and terminology that the job description asks for."},
	{Key: "structure_formatting", Title: "Structure & Formatting", Weight: 15, Description: "Section order, consistency, length and visual hierarchy."},
	{Key: "impact_achievements", Title: "Impact & Achievements", Weight: 15, Description: "Use of quantified results and outcome-oriented bullet points."},
}

// CategoryKeys 维度键，按展示顺序
func CategoryKeys() []string {
	keys := make([]string, len(Categories))
	for i, c := range Categories {
		keys[i] = c.Key
	}
	return keys
}

// PlaceholderFeedback AI分析失败时使用的占位反馈：所有分数为0，每个维度一条说明
func PlaceholderFeedback(reason string) *FeedbackResult {
	if reason == "" {
		reason = "The AI analysis service is temporarily unavailable."
	}
	categories := make(map[string]CategoryFeedback, len(Categories))
	for _, c := range Categories {
		categories[c.Key] = CategoryFeedback{
			Score:       0,
			Weight:      Weight(c.Weight),
			Description: c.Description,
			Tips: []Tip{{
				Tip:         "Detailed " + strings.ToLower(c.Title) + " feedback is not available right now.",
				Explanation: reason + " Your resume was saved; delete it and upload again later to get a full analysis.",
				Priority:    "low",
			}},
		}
	}
	return &FeedbackResult{
		OverallScore: 0,
		ATSScore:     0,
		Categories:   categories,
		Suggestions:  json.RawMessage(`["Try the analysis again later."]`),
		Placeholder:  true,
	}
}
