package decompiler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/toolexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apksignerOutput = `Verifies
Verified using v1 scheme (JAR signing): false
Verified using v2 scheme (APK Signature Scheme v2): true
Verified using v3 scheme (APK Signature Scheme v3): true
Verified using v4 scheme (APK Signature Scheme v4): false
Number of signers: 1
Signer #1 certificate DN: CN=Android Debug, O=Android, C=US
Signer #1 certificate SHA-256 digest: 3C5F2A9B0D7E41C8AA00112233445566778899AABBCCDDEEFF00112233445566
Signer #1 certificate SHA-1 digest: 0123456789abcdef0123456789abcdef01234567
Signer #1 key algorithm: RSA
`

func TestParseApksigner(t *testing.T) {
	info := ParseApksigner(apksignerOutput)

	assert.Equal(t, "apksigner", info.Tool)
	assert.Equal(t, []string{"v2", "v3"}, info.Schemes)
	assert.Equal(t, []string{"CN=Android Debug, O=Android, C=US"}, info.Signers)
	assert.Equal(t, []string{"3c5f2a9b0d7e41c8aa00112233445566778899aabbccddeeff00112233445566"}, info.CertSHA256)
	assert.False(t, info.Verified)
}

func TestParseApksigner_Empty(t *testing.T) {
	info := ParseApksigner("")
	assert.Empty(t, info.Schemes)
	assert.Empty(t, info.Signers)
}

// signingExecutor 返回固定的结果与错误
type signingExecutor struct {
	result *toolexec.Result
	err    error
}

func (s signingExecutor) Run(ctx context.Context, timeout time.Duration, tool string, args ...string) (*toolexec.Result, error) {
	return s.result, s.err
}

func signingEngine(exec toolexec.Executor) *Engine {
	opts := DefaultOptions()
	opts.VerifySigning = true
	opts.Tools.Apksigner = "apksigner"
	return newTestEngine(opts, exec, nil)
}

func testArtifact(t *testing.T) domain.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0644))
	art, err := domain.NewArtifact(path)
	require.NoError(t, err)
	return art
}

func TestVerifySigning(t *testing.T) {
	art := testArtifact(t)

	t.Run("verified", func(t *testing.T) {
		engine := signingEngine(signingExecutor{result: &toolexec.Result{Stdout: []byte(apksignerOutput)}})
		info, warnings := engine.verifySigning(context.Background(), art)
		require.NotNil(t, info)
		assert.True(t, info.Verified)
		assert.Empty(t, warnings)
	})

	t.Run("verification failed", func(t *testing.T) {
		exitErr := fmt.Errorf("%w: apksigner failed: %w", domain.ErrExternalToolUnavailable, &exec.ExitError{})
		engine := signingEngine(signingExecutor{
			result: &toolexec.Result{Stdout: []byte("DOES NOT VERIFY\n")},
			err:    exitErr,
		})
		info, warnings := engine.verifySigning(context.Background(), art)
		require.NotNil(t, info)
		assert.False(t, info.Verified)
		assert.Empty(t, warnings)
	})

	t.Run("tool missing", func(t *testing.T) {
		engine := signingEngine(signingExecutor{err: fmt.Errorf("%w: apksigner not found", domain.ErrExternalToolUnavailable)})
		info, warnings := engine.verifySigning(context.Background(), art)
		assert.Nil(t, info)
		require.Len(t, warnings, 1)
		assert.Equal(t, domain.WarningToolUnavailable, warnings[0].Kind)
		assert.Equal(t, stageSigning, warnings[0].Stage)
	})
}
