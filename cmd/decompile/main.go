package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/apk-analysis/appsec-engine/internal/config"
	"github.com/apk-analysis/appsec-engine/internal/decompiler"
	"github.com/apk-analysis/appsec-engine/internal/report"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("decompile", flag.ContinueOnError)
	configPath := fs.String("config", "", "配置文件路径（可选）")
	outDir := fs.String("out", "", "输出目录；为空时只在临时目录解压，不运行外部反编译器")
	workers := fs.Int("workers", 0, "并发数，默认取配置 worker.concurrency")
	pretty := fs.Bool("pretty", false, "格式化 JSON 输出")
	format := fs.String("format", "json", "输出格式 json / jsonl")
	logLevel := fs.String("log-level", "", "日志级别 debug/info/warn/error")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: decompile [flags] <artifact.apk|.aab|.ipa>...\n")
		fs.PrintDefaults()
	}
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	paths := fs.Args()
	if len(paths) == 0 {
		fs.Usage()
		return 2
	}
	if *format != "json" && *format != "jsonl" {
		fmt.Fprintf(stderr, "unknown format %q\n", *format)
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
			return 2
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *workers <= 0 {
		*workers = cfg.Worker.Concurrency
	}

	// 日志写 stderr，stdout 只输出报告
	logger := config.NewLogger(&cfg.Log, stderr)

	engine, err := decompiler.NewEngineFromConfig(cfg, nil, nil, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create engine")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs := buildJobs(paths, *outDir)
	logger.WithFields(logrus.Fields{
		"artifacts": len(jobs),
		"workers":   *workers,
		"out":       *outDir,
	}).Info("Starting analysis")
	outcomes := decompiler.NewBatchRunner(*workers, engine, logger).Run(ctx, jobs)

	docs := make([]any, 0, len(outcomes))
	failed := false
	for _, out := range outcomes {
		if out.Err != nil {
			failed = true
			logger.WithError(out.Err).WithField("artifact", out.Job.Path).Error("Artifact analysis failed")
			docs = append(docs, report.Failure{BinaryPath: out.Job.Path, Error: out.Err.Error()})
			continue
		}
		docs = append(docs, report.FromResult(out.Result))
	}

	if err := writeDocs(stdout, docs, *format, *pretty); err != nil {
		logger.WithError(err).Error("Failed to write report")
		return 1
	}

	if failed {
		return 1
	}
	return 0
}

// writeDocs json 时单个制品输出对象、多个输出数组；jsonl 每个制品一行
func writeDocs(w io.Writer, docs []any, format string, pretty bool) error {
	if format == "jsonl" {
		jw := report.NewJSONLWriter(w)
		for _, d := range docs {
			if err := jw.WriteLine(d); err != nil {
				return err
			}
		}
		return jw.Flush()
	}

	var doc any = docs
	if len(docs) == 1 {
		doc = docs[0]
	}
	return report.Encode(w, doc, pretty)
}

// buildJobs 单个制品直接输出到 out；多个制品各自使用 out/<文件名去扩展名>
func buildJobs(paths []string, out string) []decompiler.Job {
	jobs := make([]decompiler.Job, len(paths))
	for i, p := range paths {
		job := decompiler.Job{ID: fmt.Sprintf("%d", i+1), Path: p}
		if out != "" {
			if len(paths) == 1 {
				job.OutputDir = out
			} else {
				base := filepath.Base(p)
				job.OutputDir = filepath.Join(out, fmt.Sprintf("%02d_%s", i+1, strings.TrimSuffix(base, filepath.Ext(base))))
			}
		}
		jobs[i] = job
	}
	return jobs
}
