package decompiler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/sirupsen/logrus"
)

// Tools 外部工具路径，空表示不使用
type Tools struct {
	Aapt2     string
	Apktool   string
	Jadx      string
	Readelf   string
	Apksigner string
}

// externalTool 尽力而为的完整反编译工具
type externalTool struct {
	name string
	tool string
	args func(artifact, dir string) []string
}

const stageDecompile = "decompile"

// runDecompilers 依次运行外部反编译工具，输出写入 <outputDir>/<name>
// 失败只产生告警，不影响核心结果
func (e *Engine) runDecompilers(ctx context.Context, p Pipeline, art domain.Artifact, outputDir string, log *logrus.Entry) (map[string]string, []domain.Warning) {
	tools := p.Decompilers(e.opts.Tools)
	if len(tools) == 0 {
		return nil, nil
	}

	timeout := e.opts.DecompileTimeout
	aux := make(map[string]string)
	var warnings []domain.Warning

	for _, t := range tools {
		if ctx.Err() != nil {
			warnings = append(warnings, domain.WarningFromError(stageDecompile, ctx.Err()))
			break
		}

		dir := filepath.Join(outputDir, t.name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			warnings = append(warnings, domain.WarningFromError(stageDecompile, err))
			continue
		}

		start := time.Now()
		if _, err := e.runner.Run(ctx, timeout, t.tool, t.args(art.Path(), dir)...); err != nil {
			log.WithError(err).WithField("tool", t.name).Warn("External decompiler failed")
			warnings = append(warnings, domain.WarningFromError(stageDecompile, err))
			continue
		}

		aux[t.name] = dir
		log.WithFields(logrus.Fields{
			"tool":        t.name,
			"output":      dir,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("External decompiler finished")
	}

	if len(aux) == 0 {
		aux = nil
	}
	return aux, warnings
}
