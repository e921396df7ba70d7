package storage

import "time"

// ResumeEvent 简历生命周期事件，发布到 resume_events_exchange
type ResumeEvent struct {
	EventType    string    `json:"event_type"` // resume.analyzed 或 resume.deleted
	ResumeID     string    `json:"resume_id"`
	UserID       string    `json:"user_id"`
	CompanyName  string    `json:"company_name,omitempty"`
	JobTitle     string    `json:"job_title,omitempty"`
	OverallScore *int      `json:"overall_score,omitempty"`
	ATSScore     *int      `json:"ats_score,omitempty"`
	Placeholder  bool      `json:"placeholder,omitempty"` // 分析失败后写入了占位反馈
	OccurredAt   time.Time `json:"occurred_at"`
}
