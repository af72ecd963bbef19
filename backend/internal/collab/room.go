package collab

import (
	"strings"
	"time"

	"roomsync/backend/internal/channel"
)

// File 房间文件。协作编辑期间权威内容在 MergeDoc 里，Content 是最近的物化值。
type File = channel.FileInfo

// RoomState 房间快照的序列化形态（rooms 表 content 列里的 JSON）
type RoomState struct {
	Files         []File    `json:"files"`
	LastUpdated   time.Time `json:"lastUpdated"`
	LastUpdatedBy string    `json:"lastUpdatedBy"`
}

// 新文件的占位内容。占位内容不参与空文档播种判断。
const PlaceholderContent = "// Start coding here..."

const legacyPlaceholder = "// Start typing"

// IsPlaceholder 判断一段文本是否是占位内容（不值得播种/广播）
func IsPlaceholder(s string) bool {
	switch strings.TrimSpace(s) {
	case "", PlaceholderContent, legacyPlaceholder:
		return true
	}
	return false
}

// 语言到扩展名。创建文件时名字不带点就按语言补一个。
var languageExtensions = map[string]string{
	"python":     "py",
	"javascript": "js",
	"typescript": "ts",
	"go":         "go",
	"java":       "java",
	"c":          "c",
	"cpp":        "cpp",
	"rust":       "rs",
}

// NewFile 创建一个文件记录。ID 用毫秒时间戳，创建序唯一。
func NewFile(name, language string) File {
	if name != "" && !strings.Contains(name, ".") {
		ext := languageExtensions[language]
		if ext == "" {
			ext = language
		}
		name = name + "." + ext
	}
	return File{
		ID:       time.Now().UnixMilli(),
		Name:     name,
		Language: language,
		Content:  PlaceholderContent,
	}
}

// DefaultFile 冷启动兜底文件：快照缺失/损坏时房间永远不为空
func DefaultFile() File {
	return NewFile("Main", "python")
}

// ValidFiles 过滤掉结构非法的文件记录（缺 id 或缺名字）。
// 非法记录只丢弃并由调用方记日志，绝不往上抛。
func ValidFiles(files []File) []File {
	out := make([]File, 0, len(files))
	for _, f := range files {
		if f.ID == 0 || f.Name == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}
