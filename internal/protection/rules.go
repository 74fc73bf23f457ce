package protection

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

var (
	android = []domain.Platform{domain.PlatformAndroid}
	ios     = []domain.Platform{domain.PlatformIOS}
	both    = []domain.Platform{domain.PlatformAndroid, domain.PlatformIOS}
)

// Rules 构造后不可变的指示词表
type Rules struct {
	byType  map[domain.ProtectionType]Rule
	packers []PackerSignature
}

type rulesFile struct {
	Protections []Rule            `yaml:"protections"`
	Packers     []PackerSignature `yaml:"packers"`
}

// NewRules 规范化指示词（小写、去重）并按优先级排序加固特征
func NewRules(rules []Rule, packers []PackerSignature) (*Rules, error) {
	out := &Rules{byType: make(map[domain.ProtectionType]Rule, len(rules))}

	known := make(map[domain.ProtectionType]bool)
	for _, t := range domain.AllProtectionTypes() {
		known[t] = true
	}

	for _, r := range rules {
		if !known[r.Type] {
			return nil, fmt.Errorf("unknown protection type %q", r.Type)
		}
		if _, dup := out.byType[r.Type]; dup {
			return nil, fmt.Errorf("duplicate rule for %s", r.Type)
		}
		out.byType[r.Type] = Rule{
			Type:       r.Type,
			Platforms:  append([]domain.Platform(nil), r.Platforms...),
			Indicators: normalize(r.Indicators),
		}
	}

	for _, p := range packers {
		out.packers = append(out.packers, PackerSignature{
			Name:       p.Name,
			NativeLibs: append([]string(nil), p.NativeLibs...),
			Strings:    normalize(p.Strings),
			Priority:   p.Priority,
		})
	}
	sort.SliceStable(out.packers, func(i, j int) bool {
		return out.packers[i].Priority > out.packers[j].Priority
	})

	return out, nil
}

func normalize(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Rule 返回某类型的规则
func (r *Rules) Rule(t domain.ProtectionType) (Rule, bool) {
	rule, ok := r.byType[t]
	return rule, ok
}

// Packers 返回加固特征副本
func (r *Rules) Packers() []PackerSignature {
	return append([]PackerSignature(nil), r.packers...)
}

// LoadRules 从 YAML 文件加载
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protection rules: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse protection rules: %w", err)
	}
	return NewRules(file.Protections, file.Packers)
}

// DefaultRules 内置规则
func DefaultRules() *Rules {
	rules, err := NewRules(builtinProtections(), builtinPackers())
	if err != nil {
		panic(fmt.Sprintf("builtin protection rules: %v", err))
	}
	return rules
}

func builtinProtections() []Rule {
	return []Rule{
		{
			Type:      domain.ProtectionRootDetection,
			Platforms: android,
			Indicators: []string{
				"rootbeer", "isrooted", "isdevicerooted", "checkroot",
				"/system/xbin/su", "/system/bin/su", "/sbin/su", "/su/bin/su",
				"com.noshufou.android.su", "eu.chainfire.supersu", "com.koushikdutta.superuser",
				"com.topjohnwu.magisk", "superuser.apk", "test-keys", "busybox",
			},
		},
		{
			Type:      domain.ProtectionJailbreakDetection,
			Platforms: ios,
			Indicators: []string{
				"/applications/cydia.app", "cydia://", "/library/mobilesubstrate",
				"/usr/sbin/sshd", "/etc/apt", "/private/var/lib/apt", "/bin/bash",
				"isjailbroken", "jailbreak", "sileo://", "/var/jb",
			},
		},
		{
			Type:      domain.ProtectionEmulatorDetection,
			Platforms: android,
			Indicators: []string{
				"isemulator", "generic_x86", "goldfish", "ranchu", "sdk_gphone",
				"vbox86", "genymotion", "/dev/qemu_pipe", "ro.kernel.qemu", "emulator-",
			},
		},
		{
			Type:      domain.ProtectionDebugDetection,
			Platforms: both,
			Indicators: []string{
				"isdebuggerconnected", "waitingfordebugger", "tracerpid", "jdwp",
				"pt_deny_attach", "p_traced", "isdebuggerattached", "ptrace",
			},
		},
		{
			Type:      domain.ProtectionObfuscation,
			Platforms: both,
			Indicators: []string{
				"dexguard", "guardsquare", "proguard", "allatori", "dexprotector",
				"ixguard", "obfuscator-llvm", "swiftshield",
			},
		},
		{
			Type:      domain.ProtectionCertificatePinning,
			Platforms: both,
			Indicators: []string{
				"certificatepinner", "sha256/", "pin-set", "trustkit",
				"tskpinnedpublickeyhashes", "afsecuritypolicy", "sslpinningmode",
				"pinnedcertificates", "servertrustpolicy", "servertrustmanager",
			},
		},
		{
			Type:      domain.ProtectionTamperDetection,
			Platforms: both,
			Indicators: []string{
				"getinstallerpackagename", "checksignature", "verifysignature",
				"de.robv.android.xposed", "frida-server", "frida-gadget",
				"cynject", "libhooker", "substrate",
			},
		},
	}
}

// builtinPackers 常见商业加固特征
func builtinPackers() []PackerSignature {
	return []PackerSignature{
		// 国产加固
		{Name: "Qihoo 360 Jiagu", NativeLibs: []string{"libjiagu.so", "libjiagu_x86.so", "libjiagu_a64.so", "libjiagu_x64.so"}, Strings: []string{"com.qihoo.util", "com.stub.stubapp"}, Priority: 100},
		{Name: "Tencent Legu", NativeLibs: []string{"libshell.so", "libshellx.so", "libtxmsecurity.so"}, Strings: []string{"com.tencent.stubshell"}, Priority: 100},
		{Name: "iJiami", NativeLibs: []string{"libexec.so", "libexecmain.so"}, Strings: []string{"ijiami", "com.shell.superapplication"}, Priority: 100},
		{Name: "Bangcle SecNeo", NativeLibs: []string{"libDexHelper.so", "libDexHelper-x86.so", "libSecShell.so"}, Strings: []string{"com.secneo.apkwrapper", "com.bangcle"}, Priority: 100},
		{Name: "Naga", NativeLibs: []string{"libnaga.so", "libddog.so", "libedog.so"}, Strings: []string{"com.nagapt.protect"}, Priority: 95},
		{Name: "NetEase Yidun", NativeLibs: []string{"libnesec.so", "libNetHTProtect.so"}, Strings: []string{"com.netease.nis.wrapper", "com.netease.htprotect"}, Priority: 95},
		{Name: "Alibaba Security", NativeLibs: []string{"libmobisec.so", "libsgmain.so"}, Strings: []string{"com.alibaba.wireless.security"}, Priority: 95},
		{Name: "Baidu Protect", NativeLibs: []string{"libbaiduprotect.so"}, Strings: []string{"com.baidu.protect"}, Priority: 90},
		{Name: "PayEgis", NativeLibs: []string{"libegis.so", "libNSaferOnly.so"}, Strings: []string{"com.payegis"}, Priority: 90},
		{Name: "KiwiSec", NativeLibs: []string{"libkwscmm.so", "libkwscr.so"}, Strings: []string{"com.kiwisec"}, Priority: 85},
		{Name: "DingXiang", NativeLibs: []string{"libx3g.so", "libdxoptimizer.so"}, Strings: []string{"com.dingxiang.mobile"}, Priority: 85},
		// 国际加固
		{Name: "DexGuard", Strings: []string{"dexguard", "guardsquare"}, Priority: 80},
		{Name: "DexProtector", NativeLibs: []string{"libdexprotector.so"}, Strings: []string{"liblxz.dexprotector"}, Priority: 80},
		{Name: "Arxan", NativeLibs: []string{"libArxanJNI.so", "libArxan.so"}, Strings: []string{"com.arxan"}, Priority: 75},
		{Name: "AppSealing", NativeLibs: []string{"libAppSealing.so", "libAppSealingCore.so"}, Strings: []string{"com.appsealing"}, Priority: 75},
	}
}
