// Package manifest 提取 AndroidManifest.xml / Info.plist 中的身份、权限与组件信息
package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/toolexec"
	"github.com/sirupsen/logrus"
)

// Stage 告警中的阶段名
const Stage = "manifest"

// Extractor 清单提取器
type Extractor struct {
	runner   toolexec.Executor
	aaptPath string
	logger   *logrus.Logger
}

// NewExtractor 创建提取器；aaptPath 为空时不做二进制清单补全
func NewExtractor(runner toolexec.Executor, aaptPath string, logger *logrus.Logger) *Extractor {
	return &Extractor{
		runner:   runner,
		aaptPath: aaptPath,
		logger:   logger,
	}
}

// Extract 从解压目录中提取清单信息
// 清单缺失或无法解析时返回空 ManifestInfo 和告警，从不返回错误
func (e *Extractor) Extract(ctx context.Context, art domain.Artifact, ext *domain.Extraction) (domain.ManifestInfo, []domain.Warning) {
	switch art.BinaryType().Platform() {
	case domain.PlatformIOS:
		return e.extractIOS(ext)
	default:
		return e.extractAndroid(ctx, art, ext)
	}
}

// AndroidManifestPath 清单在归档内的相对路径
func AndroidManifestPath(t domain.BinaryType) string {
	if t == domain.BinaryTypeAAB {
		return "base/manifest/AndroidManifest.xml"
	}
	return "AndroidManifest.xml"
}

func (e *Extractor) extractAndroid(ctx context.Context, art domain.Artifact, ext *domain.Extraction) (domain.ManifestInfo, []domain.Warning) {
	rel := AndroidManifestPath(art.BinaryType())
	var (
		data []byte
		err  = os.ErrNotExist
	)
	if ext.HasEntry(rel) {
		data, err = os.ReadFile(filepath.Join(ext.Root, filepath.FromSlash(rel)))
	}
	if err != nil {
		e.logger.WithField("path", rel).Warn("AndroidManifest.xml not found")
		return domain.ManifestInfo{}, []domain.Warning{{
			Stage:   Stage,
			Kind:    domain.WarningPartialManifest,
			Message: fmt.Sprintf("%s not found in artifact", rel),
		}}
	}

	info, err := ParseAndroidManifest(data)
	if err == nil {
		return info, nil
	}

	warnings := []domain.Warning{domain.WarningFromError(Stage, err)}

	// AAB 的清单是 protobuf 格式，aapt2 只处理 APK
	if !IsBinaryXML(data) || art.BinaryType() != domain.BinaryTypeAPK || e.aaptPath == "" || e.runner == nil {
		return info, warnings
	}

	enriched, aaptErr := e.dumpWithAapt(ctx, art.Path())
	if aaptErr != nil {
		e.logger.WithError(aaptErr).Debug("aapt2 manifest fallback failed")
		return info, append(warnings, domain.WarningFromError(Stage, aaptErr))
	}

	e.logger.WithFields(logrus.Fields{
		"package":     enriched.PackageName,
		"permissions": len(enriched.Permissions),
	}).Debug("Binary manifest decoded via aapt2")
	return enriched, warnings
}

func (e *Extractor) dumpWithAapt(ctx context.Context, apkPath string) (domain.ManifestInfo, error) {
	result, err := e.runner.Run(ctx, toolexec.ProbeTimeout, e.aaptPath, "dump", "xmltree", "--file", "AndroidManifest.xml", apkPath)
	if err != nil {
		return domain.ManifestInfo{}, err
	}
	info := ParseAaptXMLTree(string(result.Stdout))
	if info.PackageName == "" {
		return domain.ManifestInfo{}, fmt.Errorf("%w: aapt2 output has no package", domain.ErrExternalToolUnavailable)
	}
	return info, nil
}

func (e *Extractor) extractIOS(ext *domain.Extraction) (domain.ManifestInfo, []domain.Warning) {
	bundle, err := FindAppBundle(ext.Root)
	if err != nil {
		e.logger.WithError(err).Warn("App bundle not found")
		return domain.ManifestInfo{}, []domain.Warning{{
			Stage:   Stage,
			Kind:    domain.WarningPartialManifest,
			Message: fmt.Sprintf("app bundle not found: %v", err),
		}}
	}

	frameworks := ListFrameworks(bundle)

	data, err := os.ReadFile(filepath.Join(bundle, "Info.plist"))
	if err != nil {
		return domain.ManifestInfo{Frameworks: frameworks}, []domain.Warning{{
			Stage:   Stage,
			Kind:    domain.WarningPartialManifest,
			Message: "Info.plist not found in app bundle",
		}}
	}

	info, err := ParseInfoPlist(data)
	info.Frameworks = frameworks
	if err != nil {
		if !errors.Is(err, domain.ErrPartialManifest) {
			err = fmt.Errorf("%w: %v", domain.ErrPartialManifest, err)
		}
		return info, []domain.Warning{domain.WarningFromError(Stage, err)}
	}
	return info, nil
}
