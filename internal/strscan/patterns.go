package strscan

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatternsYAML []byte

// PatternSpec 模式表文件中的一条规则
type PatternSpec struct {
	Category   string  `yaml:"category"`
	Regex      string  `yaml:"regex"`
	Confidence float64 `yaml:"confidence"`
}

type patternFile struct {
	Patterns []PatternSpec `yaml:"patterns"`
}

// Pattern 编译后的分类规则
type Pattern struct {
	Category   domain.StringCategory
	Confidence float64
	re         *regexp.Regexp
}

// PatternTable 有序、构造后不可变的模式表
type PatternTable struct {
	patterns []Pattern
}

// NewPatternTable 编译并校验规则；分类必须属于固定枚举，置信度必须在 [0,1]
func NewPatternTable(specs []PatternSpec) (*PatternTable, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("pattern table is empty")
	}

	table := &PatternTable{patterns: make([]Pattern, 0, len(specs))}
	for i, spec := range specs {
		category := domain.StringCategory(spec.Category)
		if !category.Valid() {
			return nil, fmt.Errorf("pattern %d: unknown category %q", i, spec.Category)
		}
		if spec.Confidence < 0 || spec.Confidence > 1 {
			return nil, fmt.Errorf("pattern %d (%s): confidence %v out of [0,1]", i, spec.Category, spec.Confidence)
		}
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %w", i, spec.Category, err)
		}
		table.patterns = append(table.patterns, Pattern{
			Category:   category,
			Confidence: spec.Confidence,
			re:         re,
		})
	}
	return table, nil
}

// ParsePatternTable 从 YAML 内容构造模式表
func ParsePatternTable(data []byte) (*PatternTable, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pattern table: %w", err)
	}
	return NewPatternTable(file.Patterns)
}

// LoadPatternTable 从 YAML 文件加载模式表
func LoadPatternTable(path string) (*PatternTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern table: %w", err)
	}
	return ParsePatternTable(data)
}

// DefaultPatternTable 内置模式表
func DefaultPatternTable() *PatternTable {
	table, err := ParsePatternTable(defaultPatternsYAML)
	if err != nil {
		panic(fmt.Sprintf("builtin pattern table: %v", err))
	}
	return table
}

// Match 返回第一个命中的规则
func (t *PatternTable) Match(s string) (Pattern, bool) {
	for _, p := range t.patterns {
		if p.re.MatchString(s) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Len 规则数量
func (t *PatternTable) Len() int { return len(t.patterns) }

// Categories 按表中顺序返回分类
func (t *PatternTable) Categories() []domain.StringCategory {
	out := make([]domain.StringCategory, len(t.patterns))
	for i, p := range t.patterns {
		out[i] = p.Category
	}
	return out
}
