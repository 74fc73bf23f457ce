package decompiler

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/manifest"
)

// Pipeline 每种制品类型一个实现
type Pipeline interface {
	BinaryType() domain.BinaryType
	// ManifestLocation 清单在归档内的路径
	ManifestLocation() string
	// ScanTargets 需要做字符串扫描的文件（相对解压根目录，斜杠分隔，顺序确定）
	ScanTargets(root string, m domain.ManifestInfo, libs []domain.NativeLibrary) []string
	// Decompilers 可选的外部反编译工具
	Decompilers(tools Tools) []externalTool
	// SupportsSigning 是否可用 apksigner 校验签名
	SupportsSigning() bool
}

// pipelineFor 按制品类型分派
func pipelineFor(t domain.BinaryType) (Pipeline, error) {
	switch t {
	case domain.BinaryTypeAPK:
		return androidPipeline{binType: t}, nil
	case domain.BinaryTypeAAB:
		return androidPipeline{binType: t, prefix: "base/"}, nil
	case domain.BinaryTypeIPA:
		return iosPipeline{}, nil
	}
	return nil, fmt.Errorf("%w: binary type %q", domain.ErrUnsupportedArtifact, t)
}

// resourceExts assets 中按文本处理的扩展名
var resourceExts = map[string]bool{
	".xml": true, ".json": true, ".properties": true, ".txt": true,
	".js": true, ".html": true, ".cfg": true, ".conf": true,
	".yaml": true, ".yml": true, ".ini": true,
}

type androidPipeline struct {
	binType domain.BinaryType
	prefix  string // AAB 模块目录
}

func (p androidPipeline) BinaryType() domain.BinaryType { return p.binType }

func (p androidPipeline) ManifestLocation() string {
	return manifest.AndroidManifestPath(p.binType)
}

func (p androidPipeline) ScanTargets(root string, _ domain.ManifestInfo, libs []domain.NativeLibrary) []string {
	var targets []string

	dexDir := ""
	if p.prefix != "" {
		dexDir = p.prefix + "dex"
	}
	targets = append(targets, listFiles(root, dexDir, func(name string) bool {
		return strings.HasSuffix(name, ".dex")
	})...)

	for _, lib := range libs {
		targets = append(targets, lib.Path)
	}

	targets = append(targets, walkFiles(root, p.prefix+"res", func(name string) bool {
		return strings.HasSuffix(name, ".xml")
	})...)
	targets = append(targets, walkFiles(root, p.prefix+"assets", func(name string) bool {
		return resourceExts[strings.ToLower(path.Ext(name))]
	})...)

	return targets
}

func (p androidPipeline) Decompilers(tools Tools) []externalTool {
	var out []externalTool
	if p.binType == domain.BinaryTypeAPK && tools.Apktool != "" {
		out = append(out, externalTool{
			name: "apktool",
			tool: tools.Apktool,
			args: func(artifact, dir string) []string { return []string{"d", "-f", "-o", dir, artifact} },
		})
	}
	if tools.Jadx != "" {
		out = append(out, externalTool{
			name: "jadx",
			tool: tools.Jadx,
			args: func(artifact, dir string) []string { return []string{"-d", dir, "--no-debug-info", artifact} },
		})
	}
	return out
}

func (p androidPipeline) SupportsSigning() bool { return p.binType == domain.BinaryTypeAPK }

type iosPipeline struct{}

func (iosPipeline) BinaryType() domain.BinaryType { return domain.BinaryTypeIPA }

func (iosPipeline) ManifestLocation() string { return "Info.plist" }

// ScanTargets 主可执行文件、各 Framework 的二进制和 bundle 顶层 plist
func (iosPipeline) ScanTargets(root string, m domain.ManifestInfo, libs []domain.NativeLibrary) []string {
	bundle, err := manifest.FindAppBundle(root)
	if err != nil {
		return nil
	}
	rel, err := filepath.Rel(root, bundle)
	if err != nil {
		return nil
	}
	rel = filepath.ToSlash(rel)

	var targets []string

	executable := m.Executable
	if executable == "" {
		executable = strings.TrimSuffix(path.Base(rel), ".app")
	}
	if isFile(root, path.Join(rel, executable)) {
		targets = append(targets, path.Join(rel, executable))
	}

	for _, lib := range libs {
		bin := path.Join(lib.Path, lib.Name)
		if isFile(root, bin) {
			targets = append(targets, bin)
		}
	}

	targets = append(targets, listFiles(root, rel, func(name string) bool {
		return strings.HasSuffix(name, ".plist")
	})...)

	return targets
}

func (iosPipeline) Decompilers(Tools) []externalTool { return nil }

func (iosPipeline) SupportsSigning() bool { return false }

// listFiles 列出目录下（不递归）满足条件的文件
func listFiles(root, dir string, keep func(name string) bool) []string {
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir)))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && keep(e.Name()) {
			out = append(out, path.Join(dir, e.Name()))
		}
	}
	return out
}

// walkFiles 递归列出满足条件的文件，按路径排序
func walkFiles(root, dir string, keep func(name string) bool) []string {
	base := filepath.Join(root, filepath.FromSlash(dir))
	var out []string
	_ = filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() && keep(d.Name()) {
			if rel, err := filepath.Rel(root, p); err == nil {
				out = append(out, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	sort.Strings(out)
	return out
}

func isFile(root, rel string) bool {
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil && info.Mode().IsRegular()
}
