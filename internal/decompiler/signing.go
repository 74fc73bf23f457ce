package decompiler

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/toolexec"
)

const stageSigning = "signing"

var (
	schemeRe     = regexp.MustCompile(`^Verified using (v[0-9.]+) scheme.*:\s*(true|false)$`)
	signerDNRe   = regexp.MustCompile(`^Signer #\d+ certificate DN:\s*(.+)$`)
	signerHashRe = regexp.MustCompile(`^Signer #\d+ certificate SHA-256 digest:\s*([0-9a-fA-F]+)$`)
)

// verifySigning apksigner verify --print-certs --verbose
// 工具缺失或超时产生告警；签名校验失败（非零退出）记为 Verified=false
func (e *Engine) verifySigning(ctx context.Context, art domain.Artifact) (*domain.SigningInfo, []domain.Warning) {
	result, err := e.runner.Run(ctx, toolexec.ProbeTimeout, e.opts.Tools.Apksigner, "verify", "--print-certs", "--verbose", art.Path())
	if err != nil {
		var exitErr *exec.ExitError
		if result == nil || !errors.As(err, &exitErr) {
			return nil, []domain.Warning{domain.WarningFromError(stageSigning, err)}
		}
		info := ParseApksigner(string(result.Stdout))
		info.Verified = false
		return info, nil
	}

	info := ParseApksigner(string(result.Stdout))
	info.Verified = true
	return info, nil
}

// ParseApksigner 解析 apksigner verify 的详细输出
func ParseApksigner(output string) *domain.SigningInfo {
	info := &domain.SigningInfo{Tool: "apksigner"}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := schemeRe.FindStringSubmatch(line); m != nil {
			if m[2] == "true" {
				info.Schemes = append(info.Schemes, m[1])
			}
			continue
		}
		if m := signerDNRe.FindStringSubmatch(line); m != nil {
			info.Signers = append(info.Signers, m[1])
			continue
		}
		if m := signerHashRe.FindStringSubmatch(line); m != nil {
			info.CertSHA256 = append(info.CertSHA256, strings.ToLower(m[1]))
		}
	}
	return info
}
