// Package strscan 从二进制数据中提取可打印字符串并按模式表分类
package strscan

import (
	"unicode/utf8"

	"github.com/apk-analysis/appsec-engine/internal/domain"
)

const (
	DefaultMinLength = 4
	DefaultMaxRuns   = 1000
)

// Options 扫描参数
type Options struct {
	MinLength int
	MaxRuns   int
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{MinLength: DefaultMinLength, MaxRuns: DefaultMaxRuns}
}

// Scanner 字符串扫描器，可并发使用
type Scanner struct {
	table *PatternTable
	opts  Options
}

// NewScanner 创建扫描器；table 为 nil 时使用内置模式表
func NewScanner(table *PatternTable, opts Options) *Scanner {
	if table == nil {
		table = DefaultPatternTable()
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	return &Scanner{table: table, opts: opts}
}

// Extract 提取最多 MaxRuns 个长度不小于 MinLength 的可打印 ASCII 串（0x20-0x7E）
func (s *Scanner) Extract(blob []byte) []string {
	var runs []string
	start := -1

	emit := func(end int) bool {
		if start >= 0 && end-start >= s.opts.MinLength {
			run := blob[start:end]
			if utf8.Valid(run) {
				runs = append(runs, string(run))
			}
		}
		start = -1
		return len(runs) >= s.opts.MaxRuns
	}

	for i, b := range blob {
		if b >= 0x20 && b <= 0x7e {
			if start < 0 {
				start = i
			}
			continue
		}
		if emit(i) {
			return runs
		}
	}
	emit(len(blob))
	return runs
}

// Scan 提取并分类，未命中任何规则的串被丢弃；同一数据块内重复值只保留一次
func (s *Scanner) Scan(blob []byte, location string) []domain.StringFinding {
	return s.Classify(s.Extract(blob), location)
}

// Classify 对已提取的串做分类
func (s *Scanner) Classify(runs []string, location string) []domain.StringFinding {
	var findings []domain.StringFinding
	seen := make(map[string]struct{})

	for _, run := range runs {
		if _, dup := seen[run]; dup {
			continue
		}
		seen[run] = struct{}{}

		p, ok := s.table.Match(run)
		if !ok {
			continue
		}
		findings = append(findings, domain.StringFinding{
			Value:      run,
			Location:   location,
			Category:   p.Category,
			Confidence: p.Confidence,
		})
	}
	return findings
}
