// Package decompiler 编排单个制品的静态分析流水线并支持批量执行
package decompiler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/container"
	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/findings"
	"github.com/apk-analysis/appsec-engine/internal/hashing"
	"github.com/apk-analysis/appsec-engine/internal/manifest"
	"github.com/apk-analysis/appsec-engine/internal/nativelib"
	"github.com/apk-analysis/appsec-engine/internal/protection"
	"github.com/apk-analysis/appsec-engine/internal/strscan"
	"github.com/apk-analysis/appsec-engine/internal/toolexec"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 阶段名
const (
	StageHash        = "hash"
	StageExtract     = "extract"
	StageManifest    = manifest.Stage
	StageNativeLibs  = nativelib.Stage
	StageStrings     = "strings"
	StageProtections = "protections"
	StageFindings    = "findings"
)

// ExtractedDirName 调用方指定输出目录时的解压子目录
const ExtractedDirName = "extracted"

// Options 流水线参数
type Options struct {
	WorkDir          string
	Limits           container.Limits
	MaxBlobBytes     int64
	RunDecompilers   bool
	VerifySigning    bool
	Tools            Tools
	DecompileTimeout time.Duration
}

// DefaultOptions 默认参数：不调用外部反编译与签名工具
func DefaultOptions() Options {
	return Options{
		Limits:           container.DefaultLimits(),
		MaxBlobBytes:     64 << 20,
		DecompileTimeout: toolexec.DecompileTimeout,
	}
}

// Deps 各阶段组件，nil 字段使用默认实现
type Deps struct {
	Runner      toolexec.Executor
	Manifest    *manifest.Extractor
	Inventory   *nativelib.Inventory
	Scanner     *strscan.Scanner
	Detector    *protection.Detector
	Synthesizer *findings.Synthesizer
	Recorder    Recorder
}

// Engine 反编译编排器，可被多个 goroutine 同时使用
type Engine struct {
	opts      Options
	reader    *container.Reader
	manifests *manifest.Extractor
	libs      *nativelib.Inventory
	scanner   *strscan.Scanner
	detector  *protection.Detector
	synth     *findings.Synthesizer
	runner    toolexec.Executor
	recorder  Recorder
	logger    *logrus.Logger
	now       func() time.Time
}

// NewEngine 创建编排器
func NewEngine(opts Options, deps Deps, logger *logrus.Logger) *Engine {
	if deps.Runner == nil {
		deps.Runner = toolexec.NewRunner(logger)
	}
	if deps.Manifest == nil {
		deps.Manifest = manifest.NewExtractor(deps.Runner, opts.Tools.Aapt2, logger)
	}
	if deps.Inventory == nil {
		deps.Inventory = nativelib.NewInventory(nil, logger)
	}
	if deps.Scanner == nil {
		deps.Scanner = strscan.NewScanner(nil, strscan.DefaultOptions())
	}
	if deps.Detector == nil {
		deps.Detector = protection.NewDetector(nil, logger)
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = findings.NewSynthesizer(nil)
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if opts.DecompileTimeout <= 0 {
		opts.DecompileTimeout = toolexec.DecompileTimeout
	}

	return &Engine{
		opts:      opts,
		reader:    container.NewReader(opts.Limits, opts.WorkDir, logger),
		manifests: deps.Manifest,
		libs:      deps.Inventory,
		scanner:   deps.Scanner,
		detector:  deps.Detector,
		synth:     deps.Synthesizer,
		runner:    deps.Runner,
		recorder:  deps.Recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Decompile 分析单个制品
// 只有制品缺失、损坏或类型不支持时返回错误，其余阶段失败都记为告警
// outputDir 为空时解压到临时目录并在结束后删除，且不运行外部反编译工具
func (e *Engine) Decompile(ctx context.Context, artifactPath, outputDir string) (*domain.DecompileResult, error) {
	started := e.now()
	runID := uuid.NewString()
	log := e.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"artifact": artifactPath,
	})

	art, err := domain.NewArtifact(artifactPath)
	if err != nil {
		binType, _ := domain.BinaryTypeFromPath(artifactPath)
		e.recorder.RunFinished(binType, StatusFailed, e.now().Sub(started))
		return nil, err
	}

	result, err := e.run(ctx, art, outputDir, runID, started, log)
	if err != nil {
		e.recorder.RunFinished(art.BinaryType(), StatusFailed, e.now().Sub(started))
		log.WithError(err).Error("Decompile failed")
		return nil, err
	}

	status := StatusSuccess
	if len(result.Warnings()) > 0 {
		status = StatusPartial
	}
	e.recorder.RunFinished(art.BinaryType(), status, e.now().Sub(started))
	e.recorder.FindingsRecorded(result.CountBySeverity())

	log.WithFields(logrus.Fields{
		"package":     result.Manifest().PackageName,
		"findings":    len(result.Findings()),
		"warnings":    len(result.Warnings()),
		"duration_ms": e.now().Sub(started).Milliseconds(),
	}).Info("Decompile finished")

	return result, nil
}

func (e *Engine) run(ctx context.Context, art domain.Artifact, outputDir, runID string, started time.Time, log *logrus.Entry) (*domain.DecompileResult, error) {
	p, err := pipelineFor(art.BinaryType())
	if err != nil {
		return nil, err
	}
	platform := art.BinaryType().Platform()

	var hashes domain.Hashes
	err = e.stage(StageHash, func() error {
		hashes, err = hashing.Hash(art.Path())
		return err
	})
	if err != nil {
		return nil, err
	}

	extractDir := ""
	if outputDir != "" {
		if outputDir, err = filepath.Abs(outputDir); err != nil {
			return nil, fmt.Errorf("resolve output dir: %w", err)
		}
		extractDir = filepath.Join(outputDir, ExtractedDirName)
		// 后续阶段按目录遍历发现输入，上一次运行残留的文件必须先清掉
		if err := os.RemoveAll(extractDir); err != nil {
			return nil, fmt.Errorf("clear extraction dir: %w", err)
		}
		if err := os.MkdirAll(extractDir, 0755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	var ext *domain.Extraction
	err = e.stage(StageExtract, func() error {
		ext, err = e.reader.Open(art.Path(), extractDir)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ext.Cleanup(); cerr != nil {
			log.WithError(cerr).Warn("Failed to remove extraction dir")
		}
	}()

	var warnings []domain.Warning
	if n := len(ext.Rejected); n > 0 {
		warnings = append(warnings, domain.Warning{
			Stage:   StageExtract,
			Kind:    domain.WarningStageDegraded,
			Message: fmt.Sprintf("%d archive entries rejected by path guard", n),
		})
	}

	var info domain.ManifestInfo
	e.stage(StageManifest, func() error {
		var w []domain.Warning
		info, w = e.manifests.Extract(ctx, art, ext)
		warnings = append(warnings, w...)
		return nil
	})

	var libs []domain.NativeLibrary
	e.stage(StageNativeLibs, func() error {
		var w []domain.Warning
		libs, w = e.libs.Enumerate(ctx, ext.Root, art.BinaryType())
		warnings = append(warnings, w...)
		return nil
	})

	var (
		strs   []domain.StringFinding
		values []string
	)
	e.stage(StageStrings, func() error {
		var w []domain.Warning
		strs, values, w = e.scanStrings(p, ext.Root, info, libs)
		warnings = append(warnings, w...)
		return nil
	})

	var protections []domain.ProtectionFinding
	e.stage(StageProtections, func() error {
		libNames := make([]string, 0, len(libs))
		for _, lib := range libs {
			libNames = append(libNames, lib.Name)
		}
		protections = e.detector.Detect(protection.Input{
			Values:     append(values, ext.Entries...),
			NativeLibs: libNames,
			Platform:   platform,
		})
		return nil
	})

	var secFindings []domain.SecurityFinding
	e.stage(StageFindings, func() error {
		secFindings = e.synth.Synthesize(findings.Input{
			Platform:         platform,
			ManifestLocation: p.ManifestLocation(),
			Manifest:         info,
			Strings:          strs,
			Protections:      protections,
		})
		return nil
	})

	meta := domain.RunMetadata{RunID: runID, StartedAt: started}

	if e.opts.VerifySigning && e.opts.Tools.Apksigner != "" && p.SupportsSigning() {
		e.stage(stageSigning, func() error {
			var w []domain.Warning
			meta.Signing, w = e.verifySigning(ctx, art)
			warnings = append(warnings, w...)
			return nil
		})
	}

	if e.opts.RunDecompilers && outputDir != "" {
		e.stage(stageDecompile, func() error {
			var w []domain.Warning
			meta.AuxiliaryOutputs, w = e.runDecompilers(ctx, p, art, outputDir, log)
			warnings = append(warnings, w...)
			return nil
		})
	}

	meta.FinishedAt = e.now()

	return domain.NewDecompileResult(domain.ResultParts{
		Artifact:    art,
		Hashes:      hashes,
		OutputDir:   outputDir,
		Manifest:    info,
		NativeLibs:  libs,
		Strings:     strs,
		Protections: protections,
		Findings:    secFindings,
		Warnings:    warnings,
		Metadata:    meta,
	}), nil
}

// scanStrings 扫描各目标文件，返回分类结果和全部原始串
func (e *Engine) scanStrings(p Pipeline, root string, info domain.ManifestInfo, libs []domain.NativeLibrary) ([]domain.StringFinding, []string, []domain.Warning) {
	var (
		out      []domain.StringFinding
		values   []string
		warnings []domain.Warning
	)

	for _, target := range p.ScanTargets(root, info, libs) {
		blob, err := readBounded(filepath.Join(root, filepath.FromSlash(target)), e.opts.MaxBlobBytes)
		if err != nil {
			warnings = append(warnings, domain.WarningFromError(StageStrings, fmt.Errorf("read %s: %w", target, err)))
			continue
		}
		runs := e.scanner.Extract(blob)
		values = append(values, runs...)
		out = append(out, e.scanner.Classify(runs, path.Clean(target))...)
	}
	return out, values, warnings
}

// readBounded 最多读取 limit 字节，limit<=0 表示不限制
func readBounded(p string, limit int64) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	return io.ReadAll(r)
}

// stage 计时并上报
func (e *Engine) stage(name string, fn func() error) error {
	start := e.now()
	err := fn()
	e.recorder.StageDuration(name, e.now().Sub(start))
	return err
}
