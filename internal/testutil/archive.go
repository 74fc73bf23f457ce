// Package testutil 构造测试用的 APK / IPA 归档，仅供 _test.go 使用
package testutil

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// WriteZip 把 entries 写成 ZIP 文件，条目按名称排序保证确定性
func WriteZip(t testing.TB, path string, entries map[string][]byte) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write zip: %v", err)
	}
	return path
}

// AndroidManifest 生成文本格式的 AndroidManifest.xml
func AndroidManifest(pkg, versionName string, permissions []string, activities []string) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="` + pkg + `" android:versionCode="1" android:versionName="` + versionName + `">` + "\n")
	b.WriteString(`  <uses-sdk android:minSdkVersion="21" android:targetSdkVersion="33"/>` + "\n")
	for _, p := range permissions {
		b.WriteString(`  <uses-permission android:name="` + p + `"/>` + "\n")
	}
	b.WriteString(`  <application android:label="Test">` + "\n")
	for _, a := range activities {
		b.WriteString(`    <activity android:name="` + a + `"/>` + "\n")
	}
	b.WriteString("  </application>\n</manifest>\n")
	return b.Bytes()
}

// BinaryAXMLHeader 二进制 AXML 的文件头（只用于触发降级路径）
func BinaryAXMLHeader() []byte {
	return []byte{0x03, 0x00, 0x08, 0x00, 0x10, 0x00, 0x00, 0x00, 0x01, 0x00, 0x1c, 0x00}
}

// DexWithStrings 伪造一个带字符串的 DEX 片段
func DexWithStrings(values ...string) []byte {
	var b bytes.Buffer
	b.WriteString("dex\n035\x00")
	b.Write([]byte{0x00, 0x01, 0x02, 0xff})
	for _, v := range values {
		b.WriteString(v)
		b.Write([]byte{0x00, 0x07})
	}
	return b.Bytes()
}

// InfoPlistXML 生成 XML 格式的 Info.plist
func InfoPlistXML(bundleID, version, executable string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>` + bundleID + `</string>
	<key>CFBundleShortVersionString</key>
	<string>` + version + `</string>
	<key>CFBundleVersion</key>
	<string>42</string>
	<key>CFBundleExecutable</key>
	<string>` + executable + `</string>
	<key>MinimumOSVersion</key>
	<string>13.0</string>
	<key>NSCameraUsageDescription</key>
	<string>Scan documents</string>
	<key>UIDeviceFamily</key>
	<array>
		<integer>1</integer>
		<integer>2</integer>
	</array>
	<key>NSAppTransportSecurity</key>
	<dict>
		<key>NSAllowsArbitraryLoads</key>
		<true/>
		<key>NSExceptionDomains</key>
		<dict>
			<key>legacy.example.com</key>
			<dict/>
		</dict>
	</dict>
</dict>
</plist>
`)
}
