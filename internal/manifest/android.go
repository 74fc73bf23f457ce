package manifest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
)

// AndroidNamespace android: 属性命名空间
const AndroidNamespace = "http://schemas.android.com/apk/res/android"

const (
	actionMain       = "android.intent.action.MAIN"
	categoryLauncher = "android.intent.category.LAUNCHER"
)

// IsBinaryXML 判断是否为二进制 AXML（RES_XML_TYPE 0x0003，头长 0x0008）
func IsBinaryXML(data []byte) bool {
	return len(data) >= 4 && data[0] == 0x03 && data[1] == 0x00 && data[2] == 0x08 && data[3] == 0x00
}

// componentState 当前正在解析的组件
type componentState struct {
	kind            string
	name            string
	explicitExport  bool
	hasIntentFilter bool
	hasMain         bool
	hasLauncher     bool
}

// ParseAndroidManifest 解析文本格式的 AndroidManifest.xml
// 二进制 AXML 或 XML 语法错误时返回已解析部分和 ErrPartialManifest
func ParseAndroidManifest(data []byte) (domain.ManifestInfo, error) {
	info := domain.ManifestInfo{Exported: map[string]domain.Exported{}}

	if IsBinaryXML(data) {
		return info, fmt.Errorf("%w: binary AXML manifest is not supported by the textual parser", domain.ErrPartialManifest)
	}

	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = false

	var current *componentState
	sawManifest := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return info, fmt.Errorf("%w: %v", domain.ErrPartialManifest, err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "manifest":
				sawManifest = true
				info.PackageName = plainAttr(el, "package")
				info.VersionName = androidAttr(el, "versionName")
				info.VersionCode = androidAttr(el, "versionCode")

			case "uses-sdk":
				info.MinOS = androidAttr(el, "minSdkVersion")
				info.TargetOS = androidAttr(el, "targetSdkVersion")

			case "uses-permission", "uses-permission-sdk-23":
				if name := androidAttr(el, "name"); name != "" {
					info.Permissions = append(info.Permissions, name)
				}

			case "application":
				info.Debuggable = boolAttr(el, "debuggable")
				info.AllowBackup = boolAttr(el, "allowBackup")
				info.UsesCleartextTraffic = boolAttr(el, "usesCleartextTraffic")

			case "activity", "activity-alias", "service", "receiver", "provider":
				name := expandName(info.PackageName, androidAttr(el, "name"))
				if name == "" {
					continue
				}
				current = &componentState{kind: el.Name.Local, name: name}
				switch exported := androidAttr(el, "exported"); exported {
				case "true":
					current.explicitExport = true
					info.Exported[name] = domain.ExportedTrue
				case "false":
					current.explicitExport = true
					info.Exported[name] = domain.ExportedFalse
				}
				switch el.Name.Local {
				case "activity", "activity-alias":
					info.Activities = append(info.Activities, name)
				case "service":
					info.Services = append(info.Services, name)
				case "receiver":
					info.Receivers = append(info.Receivers, name)
				case "provider":
					info.Providers = append(info.Providers, name)
				}

			case "intent-filter":
				if current != nil {
					current.hasIntentFilter = true
				}

			case "action":
				if current != nil && androidAttr(el, "name") == actionMain {
					current.hasMain = true
				}

			case "category":
				if current != nil && androidAttr(el, "name") == categoryLauncher {
					current.hasLauncher = true
				}
			}

		case xml.EndElement:
			switch el.Name.Local {
			case "activity", "activity-alias", "service", "receiver", "provider":
				if current != nil {
					finishComponent(&info, current)
					current = nil
				}
			}
		}
	}

	if !sawManifest {
		return info, fmt.Errorf("%w: no <manifest> root element", domain.ErrPartialManifest)
	}
	return info, nil
}

func finishComponent(info *domain.ManifestInfo, c *componentState) {
	// 未显式声明 exported 但带 intent-filter 时，旧版本默认导出
	if !c.explicitExport && c.hasIntentFilter {
		info.Exported[c.name] = domain.ExportedTrue
	}
	isActivity := c.kind == "activity" || c.kind == "activity-alias"
	if isActivity && c.hasMain && c.hasLauncher && info.MainActivity == "" {
		info.MainActivity = c.name
	}
}

// androidAttr 读取 android: 命名空间的属性
// 缺少 xmlns 声明时命名空间保持为前缀 "android"
func androidAttr(el xml.StartElement, local string) string {
	for _, attr := range el.Attr {
		if attr.Name.Local == local && (attr.Name.Space == AndroidNamespace || attr.Name.Space == "android") {
			return strings.TrimSpace(attr.Value)
		}
	}
	return ""
}

func plainAttr(el xml.StartElement, local string) string {
	for _, attr := range el.Attr {
		if attr.Name.Local == local && attr.Name.Space == "" {
			return strings.TrimSpace(attr.Value)
		}
	}
	return ""
}

func boolAttr(el xml.StartElement, local string) *bool {
	switch strings.ToLower(androidAttr(el, local)) {
	case "true":
		return domain.BoolPtr(true)
	case "false":
		return domain.BoolPtr(false)
	}
	return nil
}

// expandName 展开相对类名（".Foo" 或不含点的 "Foo"）
func expandName(pkg, name string) string {
	if name == "" || pkg == "" {
		return name
	}
	if strings.HasPrefix(name, ".") {
		return pkg + name
	}
	if !strings.Contains(name, ".") {
		return pkg + "." + name
	}
	return name
}
