package orchestrator

import "sync"

// UploadedFile 事务中写入过（或尝试写入）的文件
type UploadedFile struct {
	Bucket string
	Path   string
}

// UploadTransaction 一次分析的临时状态，只用于失败时回滚，从不持久化
type UploadTransaction struct {
	mu            sync.Mutex
	resumeID      string
	pdfPath       string
	imagePath     *string
	recordCreated bool
	uploaded      []UploadedFile
}

// NewUploadTransaction resumeID 在持久化之前生成
func NewUploadTransaction(resumeID string) *UploadTransaction {
	return &UploadTransaction{resumeID: resumeID}
}

func (t *UploadTransaction) ResumeID() string { return t.resumeID }

func (t *UploadTransaction) PDFPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pdfPath
}

func (t *UploadTransaction) ImagePath() *string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.imagePath
}

func (t *UploadTransaction) SetPDFPath(p string) {
	t.mu.Lock()
	t.pdfPath = p
	t.mu.Unlock()
}

func (t *UploadTransaction) SetImagePath(p *string) {
	t.mu.Lock()
	t.imagePath = p
	t.mu.Unlock()
}

// RecordUpload 在PUT之前登记，取消与上传竞争时也能删除
func (t *UploadTransaction) RecordUpload(bucket, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.uploaded {
		if f.Bucket == bucket && f.Path == path {
			return
		}
	}
	t.uploaded = append(t.uploaded, UploadedFile{Bucket: bucket, Path: path})
}

// ForgetUpload 文件已单独清理
func (t *UploadTransaction) ForgetUpload(bucket, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.uploaded[:0]
	for _, f := range t.uploaded {
		if f.Bucket != bucket || f.Path != path {
			kept = append(kept, f)
		}
	}
	t.uploaded = kept
}

// Uploaded 返回副本
func (t *UploadTransaction) Uploaded() []UploadedFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UploadedFile, len(t.uploaded))
	copy(out, t.uploaded)
	return out
}

// MarkRecordCreated 同样在写库之前调用
func (t *UploadTransaction) MarkRecordCreated() {
	t.mu.Lock()
	t.recordCreated = true
	t.mu.Unlock()
}

func (t *UploadTransaction) RecordCreated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordCreated
}

// Reset 清理完成后丢弃所有临时状态
func (t *UploadTransaction) Reset() {
	t.mu.Lock()
	t.pdfPath = ""
	t.imagePath = nil
	t.recordCreated = false
	t.uploaded = nil
	t.mu.Unlock()
}
