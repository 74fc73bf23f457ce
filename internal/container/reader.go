package container

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
)

// Limits 解压上限（防 zip bomb）
type Limits struct {
	MaxEntries    int   // 最大条目数，0 表示不限制
	MaxTotalBytes int64 // 解压后总字节数上限，0 表示不限制
}

// DefaultLimits 默认上限
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:    100000,
		MaxTotalBytes: 4 << 30, // 4GB
	}
}

// Reader ZIP 容器读取器（APK / AAB / IPA）
type Reader struct {
	limits  Limits
	tempDir string // MkdirTemp 的父目录，空表示系统默认
	logger  *logrus.Logger
}

// NewReader 创建容器读取器
func NewReader(limits Limits, tempDir string, logger *logrus.Logger) *Reader {
	return &Reader{
		limits:  limits,
		tempDir: tempDir,
		logger:  logger,
	}
}

// Open 校验并解压容器
// outputDir 为空时创建临时目录（Owned=true），否则解压到调用方目录，引擎不会删除它
func (r *Reader) Open(path, outputDir string) (*domain.Extraction, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, path)
		}
		return nil, corrupt(path, err)
	}

	// 含不安全路径的归档仍会返回 reader，由 SafeJoin 逐条拦截
	reader, err := zip.OpenReader(path)
	if reader == nil {
		return nil, corrupt(path, err)
	}
	defer reader.Close()

	if r.limits.MaxEntries > 0 && len(reader.File) > r.limits.MaxEntries {
		return nil, fmt.Errorf("%w: %d entries exceeds limit %d", domain.ErrArtifactCorrupt, len(reader.File), r.limits.MaxEntries)
	}

	ext := &domain.Extraction{}
	if outputDir == "" {
		dir, err := os.MkdirTemp(r.tempDir, "appsec-extract-")
		if err != nil {
			return nil, fmt.Errorf("failed to create extraction dir: %w", err)
		}
		ext.Root = dir
		ext.Owned = true
	} else {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output dir: %w", err)
		}
		ext.Root = outputDir
	}

	root, err := filepath.Abs(ext.Root)
	if err != nil {
		ext.Cleanup()
		return nil, err
	}
	ext.Root = root

	remaining := r.limits.MaxTotalBytes
	for _, file := range reader.File {
		target, ok := SafeJoin(root, file.Name)
		if !ok {
			ext.Rejected = append(ext.Rejected, file.Name)
			r.logger.WithFields(logrus.Fields{
				"artifact": path,
				"entry":    file.Name,
			}).Warn("Rejected archive entry escaping extraction root")
			continue
		}

		mode := file.Mode()
		if mode&os.ModeSymlink != 0 {
			ext.Rejected = append(ext.Rejected, file.Name)
			continue
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				ext.Cleanup()
				return nil, fmt.Errorf("failed to create dir %s: %w", file.Name, err)
			}
			continue
		}

		written, err := extractFile(file, target, remaining, r.limits.MaxTotalBytes > 0)
		if err != nil {
			ext.Cleanup()
			return nil, corrupt(path, fmt.Errorf("entry %s: %w", file.Name, err))
		}
		if r.limits.MaxTotalBytes > 0 {
			remaining -= written
		}

		ext.Entries = append(ext.Entries, filepath.ToSlash(file.Name))
	}

	r.logger.WithFields(logrus.Fields{
		"artifact": path,
		"root":     ext.Root,
		"entries":  len(ext.Entries),
		"rejected": len(ext.Rejected),
		"owned":    ext.Owned,
	}).Debug("Container extracted")

	return ext, nil
}

// extractFile 写出单个条目，limited 为 true 时最多写 budget 字节
func extractFile(file *zip.File, target string, budget int64, limited bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, err
	}

	rc, err := file.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var src io.Reader = rc
	if limited {
		src = io.LimitReader(rc, budget+1)
	}

	n, err := io.Copy(out, src)
	if err != nil {
		return n, err
	}
	if limited && n > budget {
		return n, fmt.Errorf("uncompressed size exceeds limit")
	}
	return n, nil
}

// SafeJoin 把条目名拼接到 root 下，条目试图逃逸时返回 false
func SafeJoin(root, name string) (string, bool) {
	if name == "" {
		return "", false
	}

	normalized := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", false
	}
	// 带盘符的 Windows 路径
	if len(normalized) >= 2 && normalized[1] == ':' {
		return "", false
	}
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", false
		}
	}

	target := filepath.Join(root, filepath.FromSlash(normalized))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

func corrupt(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrArtifactCorrupt, path, err)
}
