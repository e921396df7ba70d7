package types

import (
	"fmt"
	"strings"
	"time"
)

// ResumeRecord 一份已上传的简历及其分析结果
type ResumeRecord struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	CompanyName    string          `json:"company_name"`
	JobTitle       string          `json:"job_title"`
	JobDescription string          `json:"job_description"`
	PDFPath        string          `json:"pdf_path"`
	ImagePath      *string         `json:"image_path"`
	Feedback       *FeedbackResult `json:"feedback"` // nil 表示分析尚未完成
	OverallScore   *int            `json:"overall_score"`
	ATSScore       *int            `json:"ats_score"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Pending 反馈尚未写入
func (r *ResumeRecord) Pending() bool {
	return r.Feedback == nil
}

// AnalysisMode 提示词模式，只影响提示词内容
type AnalysisMode string

const (
	// ModeRecruiter 面向招聘者阅读的排版，允许适度的视觉元素
	ModeRecruiter AnalysisMode = "recruiter-facing"
	// ModeATSPlaintext 纯文本投递，惩罚所有装饰性符号
	ModeATSPlaintext AnalysisMode = "ats-plaintext"
)

// ParseAnalysisMode 空字符串返回默认值
func ParseAnalysisMode(s string, def AnalysisMode) (AnalysisMode, error) {
	switch AnalysisMode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case ModeRecruiter, "recruiter":
		return ModeRecruiter, nil
	case ModeATSPlaintext, "ats", "plaintext":
		return ModeATSPlaintext, nil
	default:
		return "", fmt.Errorf("未知的分析模式: %q", s)
	}
}

// JobContext 目标岗位信息
type JobContext struct {
	CompanyName    string `json:"company_name"`
	JobTitle       string `json:"job_title"`
	JobDescription string `json:"job_description"`
}

// LastUpload 最近一次成功上传的标记
type LastUpload struct {
	ResumeID    string    `json:"resume_id"`
	CompanyName string    `json:"company_name"`
	JobTitle    string    `json:"job_title"`
	Degraded    bool      `json:"degraded"` // 使用了占位反馈
	CompletedAt time.Time `json:"completed_at"`
}
