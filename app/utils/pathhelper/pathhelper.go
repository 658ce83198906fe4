package pathhelper

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MediaExts 可以直接下载、不需要解析页面的媒体扩展名
var MediaExts = []string{"mp4", "m4a", "mp3", "wav", "webm", "flv", "mkv", "mov"}

// IsSubPath 检查 path 是否位于 root 之内（不含 root 本身）
func IsSubPath(path, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SafeJoin 拼接 root 和 name，结果必须仍在 root 之下
func SafeJoin(root, name string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("根目录为空")
	}
	joined := filepath.Join(root, name)
	if !IsSubPath(joined, root) {
		return "", fmt.Errorf("路径越界: %q", name)
	}
	return joined, nil
}

// HasExt 检查文件扩展名是否在列表中，列表项可以不带前导点，不区分大小写
func HasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		// 如果规则不是以 . 开头，自动添加 . 前缀
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e == ext {
			return true
		}
	}
	return false
}
