// Package nativelib 枚举制品中的原生库并探测 ELF 加固特征
package nativelib

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/manifest"
	"github.com/sirupsen/logrus"
)

// Stage 告警中的阶段名
const Stage = "native_libs"

// Inventory 原生库清单
type Inventory struct {
	prober Prober
	logger *logrus.Logger
}

// NewInventory 创建清单；prober 为 nil 时不做加固探测
func NewInventory(prober Prober, logger *logrus.Logger) *Inventory {
	return &Inventory{prober: prober, logger: logger}
}

// Enumerate 按制品类型枚举原生库，结果按名称排序
func (inv *Inventory) Enumerate(ctx context.Context, root string, t domain.BinaryType) ([]domain.NativeLibrary, []domain.Warning) {
	switch t.Platform() {
	case domain.PlatformIOS:
		return inv.enumerateFrameworks(root)
	default:
		return inv.enumerateSharedObjects(ctx, root, libDir(t))
	}
}

// libDir 归档内 lib 目录（斜杠分隔）
func libDir(t domain.BinaryType) string {
	if t == domain.BinaryTypeAAB {
		return "base/lib"
	}
	return "lib"
}

func (inv *Inventory) enumerateSharedObjects(ctx context.Context, root, dir string) ([]domain.NativeLibrary, []domain.Warning) {
	abis, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir)))
	if err != nil {
		return nil, nil
	}

	byName := make(map[string]*domain.NativeLibrary)
	for _, abi := range abis {
		if !abi.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir), abi.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".so") {
				continue
			}
			lib, ok := byName[f.Name()]
			if !ok {
				// ReadDir 已按名称排序，首个 ABI 的副本作为代表路径
				lib = &domain.NativeLibrary{
					Name: f.Name(),
					Path: path.Join(dir, abi.Name(), f.Name()),
				}
				byName[f.Name()] = lib
			}
			lib.Architectures = append(lib.Architectures, abi.Name())
		}
	}

	libs := make([]domain.NativeLibrary, 0, len(byName))
	for _, lib := range byName {
		sort.Strings(lib.Architectures)
		libs = append(libs, *lib)
	}
	sort.Slice(libs, func(i, j int) bool { return libs[i].Name < libs[j].Name })

	warnings := inv.probeAll(ctx, root, libs)

	inv.logger.WithFields(logrus.Fields{
		"count": len(libs),
		"dir":   dir,
	}).Debug("Native libraries enumerated")
	return libs, warnings
}

// probeAll 探测每个库的加固特征；工具不可用时只记录一次告警并停止
func (inv *Inventory) probeAll(ctx context.Context, root string, libs []domain.NativeLibrary) []domain.Warning {
	if inv.prober == nil {
		return nil
	}

	var warnings []domain.Warning
	for i := range libs {
		if ctx.Err() != nil {
			return append(warnings, domain.WarningFromError(Stage, ctx.Err()))
		}
		h, err := inv.prober.Probe(ctx, filepath.Join(root, filepath.FromSlash(libs[i].Path)))
		if err != nil {
			inv.logger.WithError(err).WithField("lib", libs[i].Name).Debug("Hardening probe failed")
			warnings = append(warnings, domain.WarningFromError(Stage, err))
			if errors.Is(err, domain.ErrExternalToolUnavailable) {
				return warnings
			}
			continue
		}
		libs[i].Hardening = h
	}
	return warnings
}

func (inv *Inventory) enumerateFrameworks(root string) ([]domain.NativeLibrary, []domain.Warning) {
	bundle, err := manifest.FindAppBundle(root)
	if err != nil {
		return nil, nil
	}

	rel, err := filepath.Rel(root, bundle)
	if err != nil {
		return nil, nil
	}

	var libs []domain.NativeLibrary
	for _, name := range manifest.ListFrameworks(bundle) {
		libs = append(libs, domain.NativeLibrary{
			Name: name,
			Path: path.Join(filepath.ToSlash(rel), "Frameworks", name+".framework"),
		})
	}
	return libs, nil
}
