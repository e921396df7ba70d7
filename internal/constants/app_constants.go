package constants

const (
	// 存储路径中的文件类型段
	PathTypePDF   = "pdf"
	PathTypeImage = "image"

	// MinExtractedTextLength 认为PDF具有真实文本层的最少字符数
	MinExtractedTextLength = 50

	// ResumeDetailPathFormat 上传完成后的跳转地址
	ResumeDetailPathFormat = "/resume/%s"

	// 简历生命周期事件类型
	EventResumeAnalyzed = "resume.analyzed"
	EventResumeDeleted  = "resume.deleted"

	ContentTypePDF = "application/pdf"
	ContentTypePNG = "image/png"
)
