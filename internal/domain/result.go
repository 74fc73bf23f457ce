package domain

import "time"

// SigningInfo 签名信息（来自 apksigner，可选）
type SigningInfo struct {
	Verified   bool     `json:"verified"`
	Schemes    []string `json:"schemes,omitempty"`
	Signers    []string `json:"signers,omitempty"`
	CertSHA256 []string `json:"cert_sha256,omitempty"`
	Tool       string   `json:"tool"`
}

// RunMetadata 单次运行的元数据
type RunMetadata struct {
	RunID            string
	StartedAt        time.Time
	FinishedAt       time.Time
	Signing          *SigningInfo
	AuxiliaryOutputs map[string]string // 外部反编译工具 -> 输出目录
}

// ResultParts 组装 DecompileResult 所需的各阶段输出
type ResultParts struct {
	Artifact    Artifact
	Hashes      Hashes
	OutputDir   string
	Manifest    ManifestInfo
	NativeLibs  []NativeLibrary
	Strings     []StringFinding
	Protections []ProtectionFinding
	Findings    []SecurityFinding
	Warnings    []Warning
	Metadata    RunMetadata
}

// DecompileResult 流水线最终结果，组装后不可变
// 所有访问器都返回副本
type DecompileResult struct {
	parts ResultParts
}

// NewDecompileResult 拷贝各阶段输出并冻结
func NewDecompileResult(p ResultParts) *DecompileResult {
	frozen := p
	frozen.Manifest = p.Manifest.Clone()
	frozen.NativeLibs = cloneLibs(p.NativeLibs)
	frozen.Strings = append([]StringFinding(nil), p.Strings...)
	frozen.Protections = cloneProtections(p.Protections)
	frozen.Findings = append([]SecurityFinding(nil), p.Findings...)
	frozen.Warnings = append([]Warning(nil), p.Warnings...)
	frozen.Metadata = cloneMetadata(p.Metadata)
	return &DecompileResult{parts: frozen}
}

func (r *DecompileResult) Artifact() Artifact     { return r.parts.Artifact }
func (r *DecompileResult) Hashes() Hashes         { return r.parts.Hashes }
func (r *DecompileResult) OutputDir() string      { return r.parts.OutputDir }
func (r *DecompileResult) Manifest() ManifestInfo { return r.parts.Manifest.Clone() }

func (r *DecompileResult) NativeLibs() []NativeLibrary {
	return cloneLibs(r.parts.NativeLibs)
}

func (r *DecompileResult) Strings() []StringFinding {
	return append([]StringFinding(nil), r.parts.Strings...)
}

func (r *DecompileResult) Protections() []ProtectionFinding {
	return cloneProtections(r.parts.Protections)
}

func (r *DecompileResult) Findings() []SecurityFinding {
	return append([]SecurityFinding(nil), r.parts.Findings...)
}

func (r *DecompileResult) Warnings() []Warning {
	return append([]Warning(nil), r.parts.Warnings...)
}

func (r *DecompileResult) Metadata() RunMetadata {
	return cloneMetadata(r.parts.Metadata)
}

// CountBySeverity 按严重程度统计安全发现
func (r *DecompileResult) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int)
	for _, f := range r.parts.Findings {
		counts[f.Severity]++
	}
	return counts
}

func cloneLibs(in []NativeLibrary) []NativeLibrary {
	if in == nil {
		return nil
	}
	out := make([]NativeLibrary, len(in))
	for i, lib := range in {
		out[i] = lib
		out[i].Architectures = cloneStrings(lib.Architectures)
		if lib.Hardening != nil {
			h := *lib.Hardening
			h.StackCanary = cloneBool(lib.Hardening.StackCanary)
			h.PIE = cloneBool(lib.Hardening.PIE)
			out[i].Hardening = &h
		}
	}
	return out
}

func cloneProtections(in []ProtectionFinding) []ProtectionFinding {
	if in == nil {
		return nil
	}
	out := make([]ProtectionFinding, len(in))
	for i, p := range in {
		out[i] = p
		out[i].Indicators = cloneStrings(p.Indicators)
	}
	return out
}

func cloneMetadata(m RunMetadata) RunMetadata {
	out := m
	if m.Signing != nil {
		s := *m.Signing
		s.Schemes = cloneStrings(m.Signing.Schemes)
		s.Signers = cloneStrings(m.Signing.Signers)
		s.CertSHA256 = cloneStrings(m.Signing.CertSHA256)
		out.Signing = &s
	}
	if m.AuxiliaryOutputs != nil {
		out.AuxiliaryOutputs = make(map[string]string, len(m.AuxiliaryOutputs))
		for k, v := range m.AuxiliaryOutputs {
			out.AuxiliaryOutputs[k] = v
		}
	}
	return out
}
