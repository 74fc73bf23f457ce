package domain

// Exported 组件导出状态（三态）
type Exported string

const (
	ExportedUnknown Exported = ""
	ExportedTrue    Exported = "true"
	ExportedFalse   Exported = "false"
)

// ATSConfig iOS App Transport Security 配置
type ATSConfig struct {
	AllowsArbitraryLoads bool     `json:"allows_arbitrary_loads"`
	ExceptionDomains     []string `json:"exception_domains,omitempty"`
}

// ManifestInfo 从 AndroidManifest.xml 或 Info.plist 提取的结构化信息
// 所有字段都可能为空
type ManifestInfo struct {
	PackageName string
	VersionName string
	VersionCode string
	MinOS       string
	TargetOS    string
	Permissions []string // 保留声明顺序和重复项

	// Android
	Activities           []string
	Services             []string
	Receivers            []string
	Providers            []string
	Exported             map[string]Exported
	MainActivity         string
	Debuggable           *bool
	AllowBackup          *bool
	UsesCleartextTraffic *bool

	// iOS
	Executable   string
	DisplayName  string
	DeviceFamily []int
	ATS          *ATSConfig
	Frameworks   []string
	URLSchemes   []string
}

// Clone 深拷贝，供只读访问器返回
func (m ManifestInfo) Clone() ManifestInfo {
	out := m
	out.Permissions = cloneStrings(m.Permissions)
	out.Activities = cloneStrings(m.Activities)
	out.Services = cloneStrings(m.Services)
	out.Receivers = cloneStrings(m.Receivers)
	out.Providers = cloneStrings(m.Providers)
	out.Frameworks = cloneStrings(m.Frameworks)
	out.URLSchemes = cloneStrings(m.URLSchemes)
	if m.DeviceFamily != nil {
		out.DeviceFamily = append([]int(nil), m.DeviceFamily...)
	}
	if m.Exported != nil {
		out.Exported = make(map[string]Exported, len(m.Exported))
		for k, v := range m.Exported {
			out.Exported[k] = v
		}
	}
	if m.ATS != nil {
		ats := *m.ATS
		ats.ExceptionDomains = cloneStrings(m.ATS.ExceptionDomains)
		out.ATS = &ats
	}
	out.Debuggable = cloneBool(m.Debuggable)
	out.AllowBackup = cloneBool(m.AllowBackup)
	out.UsesCleartextTraffic = cloneBool(m.UsesCleartextTraffic)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// BoolPtr 返回指向 v 的指针
func BoolPtr(v bool) *bool { return &v }

// Hardening ELF 加固特征，仅在探测成功时填充
type Hardening struct {
	RELRO       string `json:"relro"` // none / partial / full
	StackCanary *bool  `json:"stack_canary,omitempty"`
	PIE         *bool  `json:"pie,omitempty"`
	Tool        string `json:"tool"`
}

const (
	RELRONone    = "none"
	RELROPartial = "partial"
	RELROFull    = "full"
)

// NativeLibrary 原生库记录
type NativeLibrary struct {
	Name          string
	Path          string // 相对解压根目录
	Architectures []string
	Hardening     *Hardening
}
