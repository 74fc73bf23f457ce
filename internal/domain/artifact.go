package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BinaryType 制品类型（封闭集合）
type BinaryType string

const (
	BinaryTypeAPK BinaryType = "APK"
	BinaryTypeAAB BinaryType = "AAB"
	BinaryTypeIPA BinaryType = "IPA"
)

// Platform 目标平台
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// BinaryTypeFromPath 根据扩展名推断制品类型
func BinaryTypeFromPath(path string) (BinaryType, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".apk":
		return BinaryTypeAPK, nil
	case ".aab":
		return BinaryTypeAAB, nil
	case ".ipa":
		return BinaryTypeIPA, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedArtifact, filepath.Ext(path))
}

// Platform 返回制品所属平台
func (t BinaryType) Platform() Platform {
	if t == BinaryTypeIPA {
		return PlatformIOS
	}
	return PlatformAndroid
}

// Hashes 制品原始字节的摘要
type Hashes struct {
	MD5    string `json:"md5"`
	SHA1   string `json:"sha1"`
	SHA256 string `json:"sha256"`
}

// Artifact 输入制品，读取后不可变
type Artifact struct {
	path      string
	sizeBytes int64
	binType   BinaryType
}

// NewArtifact 校验路径并构造 Artifact
func NewArtifact(path string) (Artifact, error) {
	binType, err := BinaryTypeFromPath(path)
	if err != nil {
		return Artifact{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return Artifact{}, fmt.Errorf("%w: stat %s: %v", ErrArtifactCorrupt, path, err)
	}
	if info.IsDir() {
		return Artifact{}, fmt.Errorf("%w: %s is a directory", ErrArtifactCorrupt, path)
	}

	return Artifact{path: path, sizeBytes: info.Size(), binType: binType}, nil
}

func (a Artifact) Path() string           { return a.path }
func (a Artifact) SizeBytes() int64       { return a.sizeBytes }
func (a Artifact) BinaryType() BinaryType { return a.binType }

// Extraction 容器解压结果
type Extraction struct {
	Root     string
	Entries  []string
	Rejected []string // 被 zip-slip 防护拒绝的条目
	Owned    bool     // 目录由引擎创建时为 true
}

// Cleanup 仅删除引擎自己创建的目录
func (e *Extraction) Cleanup() error {
	if e == nil || !e.Owned || e.Root == "" {
		return nil
	}
	return os.RemoveAll(e.Root)
}

// HasEntry 判断归档中是否存在指定条目
func (e *Extraction) HasEntry(name string) bool {
	for _, entry := range e.Entries {
		if entry == name {
			return true
		}
	}
	return false
}
