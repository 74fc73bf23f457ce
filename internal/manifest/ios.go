package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"howett.net/plist"
)

// FindAppBundle 在 Payload/ 下查找 .app 目录（按名称排序取第一个）
func FindAppBundle(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}

	var payload string
	for _, entry := range entries {
		if entry.IsDir() && strings.EqualFold(entry.Name(), "Payload") {
			payload = filepath.Join(root, entry.Name())
			break
		}
	}
	if payload == "" {
		return "", fmt.Errorf("Payload directory not found")
	}

	apps, err := os.ReadDir(payload)
	if err != nil {
		return "", err
	}
	var names []string
	for _, app := range apps {
		if app.IsDir() && strings.HasSuffix(app.Name(), ".app") {
			names = append(names, app.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .app bundle under Payload")
	}
	sort.Strings(names)
	return filepath.Join(payload, names[0]), nil
}

// ListFrameworks 枚举 <App>.app/Frameworks/*.framework
func ListFrameworks(appBundle string) []string {
	entries, err := os.ReadDir(filepath.Join(appBundle, "Frameworks"))
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".framework") {
			names = append(names, strings.TrimSuffix(entry.Name(), ".framework"))
		}
	}
	sort.Strings(names)
	return names
}

// ParseInfoPlist 解析 Info.plist（XML 或二进制格式）
func ParseInfoPlist(data []byte) (domain.ManifestInfo, error) {
	info := domain.ManifestInfo{}

	var root map[string]interface{}
	if _, err := plist.Unmarshal(data, &root); err != nil {
		return info, fmt.Errorf("%w: Info.plist: %v", domain.ErrPartialManifest, err)
	}

	info.PackageName = plistString(root, "CFBundleIdentifier")
	info.VersionName = plistString(root, "CFBundleShortVersionString")
	info.VersionCode = plistString(root, "CFBundleVersion")
	info.Executable = plistString(root, "CFBundleExecutable")
	info.DisplayName = plistString(root, "CFBundleDisplayName")
	if info.DisplayName == "" {
		info.DisplayName = plistString(root, "CFBundleName")
	}
	info.MinOS = plistString(root, "MinimumOSVersion")

	if families, ok := root["UIDeviceFamily"].([]interface{}); ok {
		for _, f := range families {
			if n, ok := plistInt(f); ok {
				info.DeviceFamily = append(info.DeviceFamily, n)
			}
		}
	}

	if ats, ok := root["NSAppTransportSecurity"].(map[string]interface{}); ok {
		cfg := &domain.ATSConfig{}
		if b, ok := ats["NSAllowsArbitraryLoads"].(bool); ok {
			cfg.AllowsArbitraryLoads = b
		}
		if domains, ok := ats["NSExceptionDomains"].(map[string]interface{}); ok {
			for d := range domains {
				cfg.ExceptionDomains = append(cfg.ExceptionDomains, d)
			}
			sort.Strings(cfg.ExceptionDomains)
		}
		info.ATS = cfg
	}

	// 隐私权限声明（NS*UsageDescription）按键名排序作为权限列表
	for key := range root {
		if strings.HasPrefix(key, "NS") && strings.HasSuffix(key, "UsageDescription") {
			info.Permissions = append(info.Permissions, key)
		}
	}
	sort.Strings(info.Permissions)

	if types, ok := root["CFBundleURLTypes"].([]interface{}); ok {
		for _, t := range types {
			entry, ok := t.(map[string]interface{})
			if !ok {
				continue
			}
			schemes, _ := entry["CFBundleURLSchemes"].([]interface{})
			for _, s := range schemes {
				if str, ok := s.(string); ok && str != "" {
					info.URLSchemes = append(info.URLSchemes, str)
				}
			}
		}
	}

	return info, nil
}

func plistString(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case uint64:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	}
	return ""
}

func plistInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case uint64:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
