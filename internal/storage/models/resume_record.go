package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"resume-feedback/internal/types"
)

// ResumeRecord 简历记录表，每行归属于一个用户
type ResumeRecord struct {
	ResumeID       string         `gorm:"type:char(36);primaryKey"`
	UserID         string         `gorm:"type:varchar(64);not null;index:idx_resumes_user_created,priority:1"`
	CompanyName    string         `gorm:"type:varchar(255)"`
	JobTitle       string         `gorm:"type:varchar(255)"`
	JobDescription string         `gorm:"type:text"`
	PDFPath        string         `gorm:"type:varchar(512);not null"`
	ImagePath      *string        `gorm:"type:varchar(512)"`
	Feedback       datatypes.JSON `gorm:"type:json"` // NULL 表示分析尚未完成
	OverallScore   *int           `gorm:"index:idx_resumes_overall_score"`
	ATSScore       *int
	CreatedAt      time.Time `gorm:"type:datetime(6);index:idx_resumes_user_created,priority:2"`
	UpdatedAt      time.Time `gorm:"type:datetime(6)"`
}

func (ResumeRecord) TableName() string {
	return "resumes"
}

// ToDomain 将数据库模型转换为领域模型
func (r *ResumeRecord) ToDomain() (*types.ResumeRecord, error) {
	rec := &types.ResumeRecord{
		ID:             r.ResumeID,
		UserID:         r.UserID,
		CompanyName:    r.CompanyName,
		JobTitle:       r.JobTitle,
		JobDescription: r.JobDescription,
		PDFPath:        r.PDFPath,
		ImagePath:      r.ImagePath,
		OverallScore:   r.OverallScore,
		ATSScore:       r.ATSScore,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Feedback) > 0 && string(r.Feedback) != "null" {
		var fb types.FeedbackResult
		if err := json.Unmarshal(r.Feedback, &fb); err != nil {
			return nil, fmt.Errorf("解析简历 %s 的反馈JSON失败: %w", r.ResumeID, err)
		}
		rec.Feedback = &fb
	}
	return rec, nil
}

// ResumeRecordFromDomain 从领域模型创建数据库模型
func ResumeRecordFromDomain(rec *types.ResumeRecord) (*ResumeRecord, error) {
	row := &ResumeRecord{
		ResumeID:       rec.ID,
		UserID:         rec.UserID,
		CompanyName:    rec.CompanyName,
		JobTitle:       rec.JobTitle,
		JobDescription: rec.JobDescription,
		PDFPath:        rec.PDFPath,
		ImagePath:      rec.ImagePath,
		OverallScore:   rec.OverallScore,
		ATSScore:       rec.ATSScore,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.Feedback != nil {
		data, err := json.Marshal(rec.Feedback)
		if err != nil {
			return nil, fmt.Errorf("序列化反馈失败: %w", err)
		}
		row.Feedback = datatypes.JSON(data)
	}
	return row, nil
}
