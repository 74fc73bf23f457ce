package decompiler

import (
	"fmt"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/config"
	"github.com/apk-analysis/appsec-engine/internal/container"
	"github.com/apk-analysis/appsec-engine/internal/findings"
	"github.com/apk-analysis/appsec-engine/internal/manifest"
	"github.com/apk-analysis/appsec-engine/internal/nativelib"
	"github.com/apk-analysis/appsec-engine/internal/protection"
	"github.com/apk-analysis/appsec-engine/internal/strscan"
	"github.com/apk-analysis/appsec-engine/internal/toolexec"
	"github.com/sirupsen/logrus"
)

// NewEngineFromConfig 按配置装配编排器（加载自定义规则表、选择加固探测器）
func NewEngineFromConfig(cfg *config.Config, runner *toolexec.Runner, recorder Recorder, logger *logrus.Logger) (*Engine, error) {
	ec := cfg.Engine
	if runner == nil {
		runner = toolexec.NewRunner(logger)
	}

	patterns := strscan.DefaultPatternTable()
	if ec.PatternFile != "" {
		var err error
		if patterns, err = strscan.LoadPatternTable(ec.PatternFile); err != nil {
			return nil, fmt.Errorf("load pattern table: %w", err)
		}
	}

	rules := protection.DefaultRules()
	if ec.ProtectionRuleFile != "" {
		var err error
		if rules, err = protection.LoadRules(ec.ProtectionRuleFile); err != nil {
			return nil, fmt.Errorf("load protection rules: %w", err)
		}
	}

	prober, err := nativelib.NewProber(ec.HardeningProber, runner, cfg.Tools.Readelf)
	if err != nil {
		return nil, err
	}

	tools := Tools{
		Aapt2:     cfg.Tools.Aapt2,
		Apktool:   cfg.Tools.Apktool,
		Jadx:      cfg.Tools.Jadx,
		Readelf:   cfg.Tools.Readelf,
		Apksigner: cfg.Tools.Apksigner,
	}

	opts := Options{
		WorkDir: ec.WorkDir,
		Limits: container.Limits{
			MaxEntries:    ec.MaxEntries,
			MaxTotalBytes: ec.MaxExtractMB << 20,
		},
		MaxBlobBytes:     ec.MaxBlobMB << 20,
		RunDecompilers:   ec.RunDecompilers,
		VerifySigning:    ec.VerifySigning,
		Tools:            tools,
		DecompileTimeout: time.Duration(cfg.Tools.DecompileTimeout) * time.Second,
	}

	logger.WithFields(logrus.Fields{
		"patterns":        patterns.Len(),
		"prober":          ec.HardeningProber,
		"run_decompilers": ec.RunDecompilers,
		"verify_signing":  ec.VerifySigning,
	}).Info("Decompile engine configured")

	return NewEngine(opts, Deps{
		Runner:      runner,
		Manifest:    manifest.NewExtractor(runner, tools.Aapt2, logger),
		Inventory:   nativelib.NewInventory(prober, logger),
		Scanner:     strscan.NewScanner(patterns, strscan.Options{MinLength: ec.MinStringLength, MaxRuns: ec.MaxRunsPerBlob}),
		Detector:    protection.NewDetector(rules, logger),
		Synthesizer: findings.NewSynthesizer(findings.DefaultRules()),
		Recorder:    recorder,
	}, logger), nil
}
