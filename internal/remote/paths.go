package remote

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"resume-feedback/internal/constants"
)

const (
	maxFilenameLength = 100
	randomSuffixLen   = 8
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename 只保留 [A-Za-z0-9._-]，其余字符替换为下划线，超长时截断并尽量保留扩展名
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		name = ""
	}
	s := unsafeFilenameChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, "_")
	// 不允许以点开头，避免生成隐藏文件或 ".." 之类的路径片段
	s = strings.TrimLeft(s, ".")
	if s == "" {
		s = "file"
	}

	if len(s) > maxFilenameLength {
		ext := path.Ext(s)
		if ext != "" && len(ext) < maxFilenameLength/2 {
			s = s[:maxFilenameLength-len(ext)] + ext
		} else {
			s = s[:maxFilenameLength]
		}
	}
	return s
}

// PathBuilder 生成对象存储路径 {userId}/{type}/{timestamp}_{random}_{filename}
type PathBuilder struct {
	now    func() time.Time
	random func() string
}

// NewPathBuilder now 和 random 为 nil 时使用系统时间和 uuid
func NewPathBuilder(now func() time.Time, random func() string) *PathBuilder {
	if now == nil {
		now = time.Now
	}
	if random == nil {
		random = func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:randomSuffixLen]
		}
	}
	return &PathBuilder{now: now, random: random}
}

// Build pathType 只能是 pdf 或 image
func (b *PathBuilder) Build(userID, pathType, filename string) (string, error) {
	if strings.TrimSpace(userID) == "" || strings.ContainsAny(userID, `/\`) {
		return "", fmt.Errorf("非法的用户ID: %q", userID)
	}
	if pathType != constants.PathTypePDF && pathType != constants.PathTypeImage {
		return "", fmt.Errorf("未知的路径类型: %q", pathType)
	}
	return fmt.Sprintf("%s/%s/%d_%s_%s",
		userID, pathType, b.now().UnixMilli(), b.random(), SanitizeFilename(filename)), nil
}

// PreviewFilename 由PDF文件名得到预览图文件名
func PreviewFilename(pdfName string) string {
	base := strings.TrimSuffix(pdfName, path.Ext(pdfName))
	if base == "" {
		base = "preview"
	}
	return base + ".png"
}

// UserPrefix 某个用户某类文件的公共前缀
func UserPrefix(userID, pathType string) string {
	return userID + "/" + pathType + "/"
}
