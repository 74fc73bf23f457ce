package manifest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/testutil"
	"github.com/apk-analysis/appsec-engine/internal/toolexec"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

type fakeExecutor struct {
	stdout string
	err    error
	calls  [][]string
}

func (f *fakeExecutor) Run(ctx context.Context, timeout time.Duration, tool string, args ...string) (*toolexec.Result, error) {
	f.calls = append(f.calls, append([]string{tool}, args...))
	if f.err != nil {
		return nil, f.err
	}
	return &toolexec.Result{Stdout: []byte(f.stdout)}, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// layout 在临时目录中构造解压结果和对应的制品文件
func layout(t *testing.T, artifactName string, files map[string][]byte) (domain.Artifact, *domain.Extraction) {
	t.Helper()
	dir := t.TempDir()

	artPath := filepath.Join(dir, artifactName)
	require.NoError(t, os.WriteFile(artPath, []byte("PK"), 0644))
	art, err := domain.NewArtifact(artPath)
	require.NoError(t, err)

	root := filepath.Join(dir, "extracted")
	ext := &domain.Extraction{Root: root}
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, data, 0644))
		ext.Entries = append(ext.Entries, name)
	}
	require.NoError(t, os.MkdirAll(root, 0755))
	return art, ext
}

// TestExtract_APK 测试 APK 文本清单
func TestExtract_APK(t *testing.T) {
	art, ext := layout(t, "app.apk", map[string][]byte{
		"AndroidManifest.xml": testutil.AndroidManifest("com.example.cam", "1.0", []string{"android.permission.CAMERA"}, nil),
	})

	info, warnings := NewExtractor(nil, "", quietLogger()).Extract(context.Background(), art, ext)
	assert.Empty(t, warnings)
	assert.Equal(t, "com.example.cam", info.PackageName)
	assert.Equal(t, []string{"android.permission.CAMERA"}, info.Permissions)
}

// TestExtract_AAB 测试 AAB 清单位置
func TestExtract_AAB(t *testing.T) {
	art, ext := layout(t, "bundle.aab", map[string][]byte{
		"base/manifest/AndroidManifest.xml": testutil.AndroidManifest("com.example.bundle", "5.0", nil, nil),
	})

	info, warnings := NewExtractor(nil, "", quietLogger()).Extract(context.Background(), art, ext)
	assert.Empty(t, warnings)
	assert.Equal(t, "com.example.bundle", info.PackageName)
}

// TestExtract_MissingManifest 清单缺失时返回空包名和告警
func TestExtract_MissingManifest(t *testing.T) {
	art, ext := layout(t, "app.apk", map[string][]byte{
		"classes.dex": []byte("dex\n035"),
	})

	info, warnings := NewExtractor(nil, "", quietLogger()).Extract(context.Background(), art, ext)
	assert.Empty(t, info.PackageName)
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.WarningPartialManifest, warnings[0].Kind)
	assert.Equal(t, Stage, warnings[0].Stage)
}

// TestExtract_BinaryManifest 二进制清单无 aapt2 时只告警
func TestExtract_BinaryManifest(t *testing.T) {
	art, ext := layout(t, "app.apk", map[string][]byte{
		"AndroidManifest.xml": testutil.BinaryAXMLHeader(),
	})

	info, warnings := NewExtractor(nil, "", quietLogger()).Extract(context.Background(), art, ext)
	assert.Empty(t, info.PackageName)
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.WarningPartialManifest, warnings[0].Kind)
}

// TestExtract_BinaryManifestWithAapt 测试 aapt2 补全
func TestExtract_BinaryManifestWithAapt(t *testing.T) {
	art, ext := layout(t, "app.apk", map[string][]byte{
		"AndroidManifest.xml": testutil.BinaryAXMLHeader(),
	})
	exec := &fakeExecutor{stdout: aaptDump}

	info, warnings := NewExtractor(exec, "aapt2", quietLogger()).Extract(context.Background(), art, ext)
	assert.Equal(t, "com.example.binary", info.PackageName)
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.WarningPartialManifest, warnings[0].Kind)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, []string{"aapt2", "dump", "xmltree", "--file", "AndroidManifest.xml", art.Path()}, exec.calls[0])
}

// TestExtract_BinaryManifestAaptFails 测试 aapt2 失败降级
func TestExtract_BinaryManifestAaptFails(t *testing.T) {
	art, ext := layout(t, "app.apk", map[string][]byte{
		"AndroidManifest.xml": testutil.BinaryAXMLHeader(),
	})
	exec := &fakeExecutor{err: domain.ErrExternalToolUnavailable}

	info, warnings := NewExtractor(exec, "aapt2", quietLogger()).Extract(context.Background(), art, ext)
	assert.Empty(t, info.PackageName)
	require.Len(t, warnings, 2)
	assert.Equal(t, domain.WarningPartialManifest, warnings[0].Kind)
	assert.Equal(t, domain.WarningToolUnavailable, warnings[1].Kind)
}

// TestExtract_IPA 测试 XML 格式 Info.plist 与 Frameworks
func TestExtract_IPA(t *testing.T) {
	art, ext := layout(t, "app.ipa", map[string][]byte{
		"Payload/Demo.app/Info.plist":                          testutil.InfoPlistXML("com.example.demo", "4.2", "Demo"),
		"Payload/Demo.app/Demo":                                []byte("\xcf\xfa\xed\xfe"),
		"Payload/Demo.app/Frameworks/Zeta.framework/Zeta":      []byte("bin"),
		"Payload/Demo.app/Frameworks/Alamofire.framework/Alam": []byte("bin"),
	})

	info, warnings := NewExtractor(nil, "", quietLogger()).Extract(context.Background(), art, ext)
	assert.Empty(t, warnings)
	assert.Equal(t, "com.example.demo", info.PackageName)
	assert.Equal(t, "4.2", info.VersionName)
	assert.Equal(t, "42", info.VersionCode)
	assert.Equal(t, "Demo", info.Executable)
	assert.Equal(t, "13.0", info.MinOS)
	assert.Equal(t, []int{1, 2}, info.DeviceFamily)
	assert.Equal(t, []string{"NSCameraUsageDescription"}, info.Permissions)
	require.NotNil(t, info.ATS)
	assert.True(t, info.ATS.AllowsArbitraryLoads)
	assert.Equal(t, []string{"legacy.example.com"}, info.ATS.ExceptionDomains)
	assert.Equal(t, []string{"Alamofire", "Zeta"}, info.Frameworks)
}

// TestExtract_IPABinaryPlist 测试二进制格式 Info.plist
func TestExtract_IPABinaryPlist(t *testing.T) {
	data, err := plist.Marshal(map[string]interface{}{
		"CFBundleIdentifier":         "com.example.bin",
		"CFBundleShortVersionString": "1.0",
		"CFBundleExecutable":         "Bin",
		"CFBundleURLTypes": []interface{}{
			map[string]interface{}{"CFBundleURLSchemes": []interface{}{"binapp", "fb123"}},
		},
	}, plist.BinaryFormat)
	require.NoError(t, err)

	art, ext := layout(t, "app.ipa", map[string][]byte{
		"Payload/Bin.app/Info.plist": data,
	})

	info, warnings := NewExtractor(nil, "", quietLogger()).Extract(context.Background(), art, ext)
	assert.Empty(t, warnings)
	assert.Equal(t, "com.example.bin", info.PackageName)
	assert.Equal(t, []string{"binapp", "fb123"}, info.URLSchemes)
	assert.Nil(t, info.ATS)
}

// TestExtract_IPAMissingBundle 测试缺少 Payload
func TestExtract_IPAMissingBundle(t *testing.T) {
	art, ext := layout(t, "app.ipa", map[string][]byte{
		"iTunesMetadata.plist": []byte("x"),
	})

	info, warnings := NewExtractor(nil, "", quietLogger()).Extract(context.Background(), art, ext)
	assert.Empty(t, info.PackageName)
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.WarningPartialManifest, warnings[0].Kind)
}

// TestParseInfoPlist_Invalid 测试损坏的 plist
func TestParseInfoPlist_Invalid(t *testing.T) {
	_, err := ParseInfoPlist([]byte("not a plist at all"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPartialManifest)
}
