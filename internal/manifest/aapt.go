package manifest

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
)

// aapt / aapt2 `dump xmltree` 输出的属性行，例如
//
//	A: http://schemas.android.com/apk/res/android:versionName(0x0101021c)="1.0" (Raw: "1.0")
//	A: android:versionCode(0x0101021b)=(type 0x10)0x1
//	A: package="com.example"
var (
	aaptElementRe = regexp.MustCompile(`^E: ([A-Za-z0-9_.-]+)`)
	aaptAttrRe    = regexp.MustCompile(`^A: (?:(\S+):)?([A-Za-z]+)(?:\(0x[0-9a-fA-F]+\))?=(.*)$`)
	aaptTypedRe   = regexp.MustCompile(`^\(type 0x([0-9a-fA-F]+)\)0x([0-9a-fA-F]+)`)
)

// ParseAaptXMLTree 把 aapt2 dump xmltree 输出解析为 ManifestInfo
func ParseAaptXMLTree(output string) domain.ManifestInfo {
	info := domain.ManifestInfo{Exported: map[string]domain.Exported{}}

	var (
		element string
		current *componentState
	)

	flush := func() {
		if current != nil {
			finishComponent(&info, current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if m := aaptElementRe.FindStringSubmatch(line); m != nil {
			element = m[1]
			switch element {
			case "activity", "activity-alias", "service", "receiver", "provider":
				flush()
				current = &componentState{kind: element}
			case "application", "uses-permission", "uses-permission-sdk-23", "uses-sdk", "manifest":
				flush()
			case "intent-filter":
				if current != nil {
					current.hasIntentFilter = true
				}
			}
			continue
		}

		m := aaptAttrRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		attr, value := m[2], aaptValue(m[3])

		switch element {
		case "manifest":
			switch attr {
			case "package":
				info.PackageName = value
			case "versionName":
				info.VersionName = value
			case "versionCode":
				info.VersionCode = value
			}
		case "uses-sdk":
			switch attr {
			case "minSdkVersion":
				info.MinOS = value
			case "targetSdkVersion":
				info.TargetOS = value
			}
		case "uses-permission", "uses-permission-sdk-23":
			if attr == "name" && value != "" {
				info.Permissions = append(info.Permissions, value)
			}
		case "application":
			switch attr {
			case "debuggable":
				info.Debuggable = aaptBool(value)
			case "allowBackup":
				info.AllowBackup = aaptBool(value)
			case "usesCleartextTraffic":
				info.UsesCleartextTraffic = aaptBool(value)
			}
		case "activity", "activity-alias", "service", "receiver", "provider":
			if current == nil {
				continue
			}
			switch attr {
			case "name":
				current.name = expandName(info.PackageName, value)
				switch current.kind {
				case "activity", "activity-alias":
					info.Activities = append(info.Activities, current.name)
				case "service":
					info.Services = append(info.Services, current.name)
				case "receiver":
					info.Receivers = append(info.Receivers, current.name)
				case "provider":
					info.Providers = append(info.Providers, current.name)
				}
			case "exported":
				if b := aaptBool(value); b != nil && current.name != "" {
					current.explicitExport = true
					if *b {
						info.Exported[current.name] = domain.ExportedTrue
					} else {
						info.Exported[current.name] = domain.ExportedFalse
					}
				}
			}
		case "action":
			if current != nil && attr == "name" && value == actionMain {
				current.hasMain = true
			}
		case "category":
			if current != nil && attr == "name" && value == categoryLauncher {
				current.hasLauncher = true
			}
		}
	}
	flush()

	return info
}

// aaptValue 规范化属性值：去掉 Raw 后缀、引号，整数转十进制
func aaptValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, `"`) {
		if end := strings.Index(raw[1:], `"`); end >= 0 {
			return raw[1 : end+1]
		}
		return strings.Trim(raw, `"`)
	}
	if m := aaptTypedRe.FindStringSubmatch(raw); m != nil {
		typ, value := strings.ToLower(m[1]), m[2]
		n, err := strconv.ParseUint(value, 16, 32)
		if err != nil {
			return value
		}
		if typ == "12" { // TYPE_INT_BOOLEAN
			if n == 0 {
				return "false"
			}
			return "true"
		}
		return strconv.FormatUint(n, 10)
	}
	if i := strings.Index(raw, " (Raw"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

func aaptBool(value string) *bool {
	switch strings.ToLower(value) {
	case "true", "0xffffffff", "-1":
		return domain.BoolPtr(true)
	case "false", "0", "0x0":
		return domain.BoolPtr(false)
	}
	return nil
}
