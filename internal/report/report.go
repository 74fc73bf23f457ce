// Package report 把 DecompileResult 转成对外的 JSON 结构
// 展示用的派生字段（version、sha256 等）只在这里计算
package report

import (
	"encoding/json"
	"io"
	"time"
	"unicode/utf8"

	"github.com/apk-analysis/appsec-engine/internal/domain"
)

// MaxStringValueLen interesting_strings.value 的最大长度（字符）
const MaxStringValueLen = 200

// Report 单个制品的报告
type Report struct {
	BinaryType  domain.BinaryType `json:"binary_type"`
	BinaryPath  string            `json:"binary_path"`
	OutputDir   string            `json:"output_dir"`
	PackageName *string           `json:"package_name"`
	Version     string            `json:"version"`
	Hashes      domain.Hashes     `json:"hashes"`
	SizeBytes   int64             `json:"size_bytes"`
	Permissions []string          `json:"permissions"`

	Activities []string `json:"activities,omitempty"`
	Services   []string `json:"services,omitempty"`
	Receivers  []string `json:"receivers,omitempty"`
	Providers  []string `json:"providers,omitempty"`
	Frameworks []string `json:"frameworks,omitempty"`

	NativeLibs         []NativeLib  `json:"native_libs"`
	InterestingStrings []String     `json:"interesting_strings"`
	Protections        []Protection `json:"protections"`
	SecurityFindings   []Finding    `json:"security_findings"`
	Warnings           []Warning    `json:"warnings"`
	Metadata           Metadata     `json:"metadata"`
}

type NativeLib struct {
	Name          string            `json:"name"`
	Path          string            `json:"path"`
	Architectures []string          `json:"architectures"`
	Hardening     *domain.Hardening `json:"hardening,omitempty"`
}

type String struct {
	Value      string  `json:"value"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Location   string  `json:"location"`
}

type Protection struct {
	Name     string   `json:"name"`
	Detected bool     `json:"detected"`
	Details  []string `json:"details"`
}

type Finding struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Location    string `json:"location"`
	Source      string `json:"source"`
}

type Warning struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Metadata 运行元数据
type Metadata struct {
	RunID            string              `json:"run_id"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at"`
	DurationMs       int64               `json:"duration_ms"`
	Signing          *domain.SigningInfo `json:"signing,omitempty"`
	AuxiliaryOutputs map[string]string   `json:"auxiliary_outputs,omitempty"`
}

// Failure 致命错误时的输出（批量模式下与成功报告并列）
type Failure struct {
	BinaryPath string `json:"binary_path"`
	Error      string `json:"error"`
}

// FromResult 构造报告，空切片输出为 []
func FromResult(r *domain.DecompileResult) *Report {
	art := r.Artifact()
	m := r.Manifest()
	meta := r.Metadata()

	rep := &Report{
		BinaryType:  art.BinaryType(),
		BinaryPath:  art.Path(),
		OutputDir:   r.OutputDir(),
		Version:     displayVersion(m),
		Hashes:      r.Hashes(),
		SizeBytes:   art.SizeBytes(),
		Permissions: orEmpty(m.Permissions),
		Metadata: Metadata{
			RunID:            meta.RunID,
			StartedAt:        meta.StartedAt,
			FinishedAt:       meta.FinishedAt,
			DurationMs:       meta.FinishedAt.Sub(meta.StartedAt).Milliseconds(),
			Signing:          meta.Signing,
			AuxiliaryOutputs: meta.AuxiliaryOutputs,
		},
	}
	if m.PackageName != "" {
		name := m.PackageName
		rep.PackageName = &name
	}

	if art.BinaryType().Platform() == domain.PlatformIOS {
		rep.Frameworks = orEmpty(m.Frameworks)
	} else {
		rep.Activities = m.Activities
		rep.Services = m.Services
		rep.Receivers = m.Receivers
		rep.Providers = m.Providers
	}

	rep.NativeLibs = make([]NativeLib, 0, len(r.NativeLibs()))
	for _, lib := range r.NativeLibs() {
		rep.NativeLibs = append(rep.NativeLibs, NativeLib{
			Name:          lib.Name,
			Path:          lib.Path,
			Architectures: orEmpty(lib.Architectures),
			Hardening:     lib.Hardening,
		})
	}

	rep.InterestingStrings = make([]String, 0, len(r.Strings()))
	for _, s := range r.Strings() {
		rep.InterestingStrings = append(rep.InterestingStrings, String{
			Value:      Truncate(s.Value, MaxStringValueLen),
			Category:   string(s.Category),
			Confidence: s.Confidence,
			Location:   s.Location,
		})
	}

	rep.Protections = make([]Protection, 0, len(r.Protections()))
	for _, p := range r.Protections() {
		rep.Protections = append(rep.Protections, Protection{
			Name:     string(p.Type),
			Detected: p.Detected,
			Details:  orEmpty(p.Indicators),
		})
	}

	rep.SecurityFindings = make([]Finding, 0, len(r.Findings()))
	for _, f := range r.Findings() {
		rep.SecurityFindings = append(rep.SecurityFindings, Finding{
			Title:       f.Title,
			Description: f.Description,
			Severity:    string(f.Severity),
			Location:    f.Location,
			Source:      string(f.Source),
		})
	}

	rep.Warnings = make([]Warning, 0, len(r.Warnings()))
	for _, w := range r.Warnings() {
		rep.Warnings = append(rep.Warnings, Warning{
			Stage:   w.Stage,
			Kind:    string(w.Kind),
			Message: w.Message,
		})
	}

	return rep
}

// displayVersion 优先 versionName，其次 versionCode
func displayVersion(m domain.ManifestInfo) string {
	if m.VersionName != "" {
		return m.VersionName
	}
	return m.VersionCode
}

// Truncate 按字符截断，不切断多字节字符
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// Encode 写出任意 JSON 值，末尾带换行
func Encode(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
