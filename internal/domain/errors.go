package domain

import (
	"errors"
	"fmt"
)

var (
	ErrArtifactNotFound        = errors.New("artifact not found")
	ErrArtifactCorrupt         = errors.New("artifact corrupt")
	ErrUnsupportedArtifact     = errors.New("unsupported artifact")
	ErrExternalToolUnavailable = errors.New("external tool unavailable")
	ErrPartialManifest         = errors.New("partial manifest")
)

// IsFatal 只有制品缺失、损坏或类型不支持才中止流水线
func IsFatal(err error) bool {
	return errors.Is(err, ErrArtifactNotFound) ||
		errors.Is(err, ErrArtifactCorrupt) ||
		errors.Is(err, ErrUnsupportedArtifact)
}

// WarningKind 告警类别
type WarningKind string

const (
	WarningPartialManifest WarningKind = "partial_manifest"
	WarningToolUnavailable WarningKind = "external_tool_unavailable"
	WarningStageDegraded   WarningKind = "stage_degraded"
)

// Warning 可选阶段的降级记录
type Warning struct {
	Stage   string      `json:"stage"`
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s: %s", w.Stage, w.Kind, w.Message)
}

// WarningFromError 按错误类型映射告警类别
func WarningFromError(stage string, err error) Warning {
	kind := WarningStageDegraded
	switch {
	case errors.Is(err, ErrPartialManifest):
		kind = WarningPartialManifest
	case errors.Is(err, ErrExternalToolUnavailable):
		kind = WarningToolUnavailable
	}
	return Warning{Stage: stage, Kind: kind, Message: err.Error()}
}
