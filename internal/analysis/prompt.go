package analysis

import (
	"strings"
	"text/template"

	"github.com/cloudwego/eino/schema"

	"resume-feedback/internal/types"
)

// Request 一次分析的输入
type Request struct {
	ResumeText string
	Job        types.JobContext
	Mode       types.AnalysisMode
}

const systemInstruction = "You are an expert resume reviewer and ATS (Applicant Tracking System) specialist. " +
	"You evaluate resumes against a specific job and respond with a single JSON object only. " +
	"Never include markdown, code fences or commentary outside the JSON object."

// 两种模式只在格式要求上不同
var modeInstructions = map[types.AnalysisMode]string{
	types.ModeRecruiter: `FORMATTING POLICY (recruiter-facing resume):
- The resume will be read by a human recruiter after an ATS pass.
- Moderate visual structure is acceptable: bullet symbols (•, -, ▪), bold section headings and a clean two-column header are NOT penalized.
- Praise consistent bullet styles and clear visual hierarchy.
- Penalize only decoration that breaks parsing: text inside images, tables used for layout, icons replacing words, and headers/footers holding contact details.`,
	types.ModeATSPlaintext: `FORMATTING POLICY (ATS plain-text submission):
- The resume will be pasted or parsed as plain text by an ATS.
- Penalize every decorative symbol: bullets other than "-", arrows, emoji, icons, box-drawing characters, unusual unicode dashes and columns.
- Praise plain "-" bullets, standard section headings (Experience, Education, Skills), one-column flow and dates in a consistent format.
- Treat any character that may not survive a plain-text copy as an ATS risk and mention it in ats_compatibility tips.`,
}

var promptTemplate = template.Must(template.New("resume_feedback").Parse(`Analyze the resume below for the target job and return ONLY a JSON object.

TARGET JOB
Company: {{.CompanyName}}
Job title: {{.JobTitle}}
Job description:
{{.JobDescription}}

{{.ModeInstructions}}

SCORING
- overall_score and ats_score are integers from 0 to 100.
- Score each category from 0 to 100. Use exactly these categories and weights (weights are percentages and sum to 100):
{{- range .Categories}}
  - "{{.Key}}" (weight {{.Weight}}): {{.Description}}
{{- end}}
- overall_score is the weighted average of the category scores.
- Each category must have 2 to 5 tips ordered by importance. priority is one of "high", "medium", "low".

REQUIRED JSON SHAPE
{
  "overall_score": 0,
  "ats_score": 0,
  "score_interpretation": {"range": "e.g. 70-79", "label": "e.g. Good", "summary": "one sentence"},
  "categories": {
{{- range $i, $c := .Categories}}{{if $i}},{{end}}
    "{{$c.Key}}": {"score": 0, "weight": {{$c.Weight}}, "description": "string", "tips": [{"tip": "string", "explanation": "string", "priority": "high"}]}
{{- end}}
  },
  "detailed_analysis": {"strengths": ["string"], "weaknesses": ["string"], "missing_keywords": ["string"], "matched_keywords": ["string"]},
  "improvement_roadmap": {"immediate": ["string"], "short_term": ["string"], "long_term": ["string"]},
  "competitive_analysis": {"market_position": "string", "differentiators": ["string"], "gaps_vs_typical_candidates": ["string"]},
  "suggestions": ["string"]
}

RESUME TEXT
"""
{{.ResumeText}}
"""`))

type promptData struct {
	CompanyName      string
	JobTitle         string
	JobDescription   string
	ModeInstructions string
	Categories       []types.CategoryDefinition
	ResumeText       string
}

// BuildPrompt 生成用户提示词。mode 只切换格式要求
func BuildPrompt(req Request) (string, error) {
	mode := req.Mode
	if _, ok := modeInstructions[mode]; !ok {
		mode = types.ModeRecruiter
	}
	var b strings.Builder
	err := promptTemplate.Execute(&b, promptData{
		CompanyName:      orUnknown(req.Job.CompanyName),
		JobTitle:         orUnknown(req.Job.JobTitle),
		JobDescription:   orUnknown(req.Job.JobDescription),
		ModeInstructions: modeInstructions[mode],
		Categories:       types.Categories,
		ResumeText:       req.ResumeText,
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// BuildMessages 一条系统指令加一条用户提示词
func BuildMessages(req Request) ([]*schema.Message, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, err
	}
	return []*schema.Message{
		schema.SystemMessage(systemInstruction),
		schema.UserMessage(prompt),
	}, nil
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "(not provided)"
	}
	return s
}
