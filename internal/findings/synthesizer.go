// Package findings 把清单、字符串和防护检测结果综合为安全发现
//
// 综合过程是纯函数：不做 I/O，相同输入得到相同且同序的输出。
package findings

import (
	"fmt"
	"path"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
)

// 标题
const (
	TitleExportedComponent = "Possibly Exported Component"
	TitleSensitiveString   = "Sensitive String Embedded in Binary"
	TitleDebuggable        = "Debuggable Application"
	TitleAllowBackup       = "Application Data Backup Enabled"
	TitleCleartextTraffic  = "Cleartext Traffic Permitted"
	TitleATSDisabled       = "App Transport Security Disabled"

	titlePermissionPrefix = "Dangerous Permission: "
	titleProtectionPrefix = "Missing Protection: "
)

// Input 综合输入
type Input struct {
	Platform         domain.Platform
	ManifestLocation string // 清单在归档内的路径
	Manifest         domain.ManifestInfo
	Strings          []domain.StringFinding
	Protections      []domain.ProtectionFinding
}

// Synthesizer 规则引擎
type Synthesizer struct {
	rules *Rules
}

// NewSynthesizer rules 为 nil 时使用内置规则
func NewSynthesizer(rules *Rules) *Synthesizer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Synthesizer{rules: rules}
}

// Synthesize 使用内置规则综合
func Synthesize(in Input) []domain.SecurityFinding {
	return NewSynthesizer(nil).Synthesize(in)
}

// Synthesize 按固定规则顺序输出：权限、组件、敏感字符串、缺失防护、清单标志
func (s *Synthesizer) Synthesize(in Input) []domain.SecurityFinding {
	var out []domain.SecurityFinding
	out = append(out, s.permissionFindings(in)...)
	out = append(out, s.componentFindings(in)...)
	out = append(out, s.stringFindings(in)...)
	out = append(out, s.protectionFindings(in)...)
	out = append(out, s.manifestFlagFindings(in)...)
	return out
}

func (s *Synthesizer) permissionFindings(in Input) []domain.SecurityFinding {
	var out []domain.SecurityFinding
	seen := make(map[string]bool)
	for _, perm := range in.Manifest.Permissions {
		rule, ok := s.rules.permissions[perm]
		if !ok || seen[perm] {
			continue
		}
		seen[perm] = true
		out = append(out, domain.SecurityFinding{
			Title:       titlePermissionPrefix + rule.Label,
			Description: fmt.Sprintf("The application requests %s, which grants access to sensitive user data or device capabilities.", perm),
			Severity:    rule.Severity,
			Location:    in.ManifestLocation,
			Source:      domain.SourcePermission,
		})
	}
	return out
}

// componentFindings 启动入口以外的 activity/service 都可能被外部调用
func (s *Synthesizer) componentFindings(in Input) []domain.SecurityFinding {
	var out []domain.SecurityFinding
	check := func(kind string, names []string) {
		for _, name := range names {
			if isMainEntry(in.Manifest, name) {
				continue
			}
			out = append(out, domain.SecurityFinding{
				Title:       TitleExportedComponent,
				Description: componentDescription(kind, name, in.Manifest.Exported[name]),
				Severity:    domain.SeverityLow,
				Location:    name,
				Source:      domain.SourceComponent,
			})
		}
	}
	check("activity", in.Manifest.Activities)
	check("service", in.Manifest.Services)
	return out
}

func isMainEntry(m domain.ManifestInfo, name string) bool {
	if m.MainActivity != "" && name == m.MainActivity {
		return true
	}
	simple := name
	if i := strings.LastIndex(name, "."); i >= 0 {
		simple = name[i+1:]
	}
	return strings.HasSuffix(simple, "MainActivity")
}

func componentDescription(kind, name string, exported domain.Exported) string {
	switch exported {
	case domain.ExportedTrue:
		return fmt.Sprintf("The %s %s is exported and can be started by other applications.", kind, name)
	case domain.ExportedFalse:
		return fmt.Sprintf("The %s %s declares android:exported=\"false\"; verify no other path exposes it.", kind, name)
	}
	return fmt.Sprintf("The %s %s may be reachable by other applications; verify its android:exported setting.", kind, name)
}

func (s *Synthesizer) stringFindings(in Input) []domain.SecurityFinding {
	var out []domain.SecurityFinding
	for _, f := range in.Strings {
		if !s.rules.sensitive[f.Category] {
			continue
		}
		out = append(out, domain.SecurityFinding{
			Title:       TitleSensitiveString,
			Description: fmt.Sprintf("A %s value (%s) is embedded in %s.", f.Category, Redact(f.Value), path.Base(f.Location)),
			Severity:    domain.SeverityHigh,
			Location:    f.Location,
			Source:      domain.SourceString,
		})
	}
	return out
}

func (s *Synthesizer) protectionFindings(in Input) []domain.SecurityFinding {
	detected := make(map[domain.ProtectionType]bool)
	for _, p := range in.Protections {
		if p.Detected {
			detected[p.Type] = true
		}
	}

	var out []domain.SecurityFinding
	for _, t := range s.rules.baseline[in.Platform] {
		if detected[t] {
			continue
		}
		out = append(out, domain.SecurityFinding{
			Title:       titleProtectionPrefix + HumanizeProtection(t),
			Description: fmt.Sprintf("No indicators of %s were found in the application binaries.", strings.ToLower(HumanizeProtection(t))),
			Severity:    domain.SeverityMedium,
			Location:    "",
			Source:      domain.SourceProtection,
		})
	}
	return out
}

func (s *Synthesizer) manifestFlagFindings(in Input) []domain.SecurityFinding {
	m := in.Manifest
	var out []domain.SecurityFinding
	add := func(title, desc string, sev domain.Severity) {
		out = append(out, domain.SecurityFinding{
			Title:       title,
			Description: desc,
			Severity:    sev,
			Location:    in.ManifestLocation,
			Source:      domain.SourceManifest,
		})
	}

	if isTrue(m.Debuggable) {
		add(TitleDebuggable, "android:debuggable=\"true\" allows a debugger to attach to the release build.", domain.SeverityHigh)
	}
	if isTrue(m.AllowBackup) {
		add(TitleAllowBackup, "android:allowBackup=\"true\" allows application data to be extracted through adb backup.", domain.SeverityLow)
	}
	if isTrue(m.UsesCleartextTraffic) {
		add(TitleCleartextTraffic, "android:usesCleartextTraffic=\"true\" permits unencrypted HTTP traffic.", domain.SeverityMedium)
	}
	if m.ATS != nil && m.ATS.AllowsArbitraryLoads {
		add(TitleATSDisabled, "NSAllowsArbitraryLoads is enabled, disabling App Transport Security for all connections.", domain.SeverityMedium)
	}
	return out
}

func isTrue(b *bool) bool { return b != nil && *b }

// HumanizeProtection root_detection -> Root Detection
func HumanizeProtection(t domain.ProtectionType) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Redact 保留前 4 个字符
func Redact(value string) string {
	const keep = 4
	if len(value) <= keep {
		return strings.Repeat("*", len(value))
	}
	return value[:keep] + strings.Repeat("*", 8)
}
