package nativelib

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/toolexec"
	"github.com/yalue/elf_reader"
)

// Prober ELF 加固探测器
type Prober interface {
	Name() string
	Probe(ctx context.Context, path string) (*domain.Hardening, error)
}

// 探测器类型（配置项 nativelib.prober）
const (
	ProberReadelf   = "readelf"
	ProberELFReader = "elf_reader"
	ProberNone      = "none"
)

// NewProber 按名称创建探测器，"none" 或空返回 nil
func NewProber(kind string, runner toolexec.Executor, readelfPath string) (Prober, error) {
	switch kind {
	case "", ProberNone:
		return nil, nil
	case ProberReadelf:
		if readelfPath == "" {
			readelfPath = "readelf"
		}
		return &ReadelfProber{runner: runner, tool: readelfPath}, nil
	case ProberELFReader:
		return ELFReaderProber{}, nil
	}
	return nil, fmt.Errorf("unknown hardening prober %q", kind)
}

var stackChkFail = []byte("__stack_chk_fail")

// ReadelfProber 调用外部 readelf
type ReadelfProber struct {
	runner toolexec.Executor
	tool   string
}

func (p *ReadelfProber) Name() string { return ProberReadelf }

// Probe 解析 readelf -W -h -l -d --dyn-syms 输出
func (p *ReadelfProber) Probe(ctx context.Context, path string) (*domain.Hardening, error) {
	result, err := p.runner.Run(ctx, toolexec.ProbeTimeout, p.tool, "-W", "-h", "-l", "-d", "--dyn-syms", path)
	if err != nil {
		return nil, err
	}
	return ParseReadelf(string(result.Stdout)), nil
}

// ParseReadelf 从 readelf 输出中识别 RELRO、栈保护和 PIE
func ParseReadelf(output string) *domain.Hardening {
	var (
		relro, bindNow, canary, pie bool
	)

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "Type:"):
			pie = strings.Contains(line, "DYN")
		case strings.HasPrefix(line, "GNU_RELRO"):
			relro = true
		case strings.Contains(line, "(BIND_NOW)"):
			bindNow = true
		case strings.Contains(line, "(FLAGS)") && strings.Contains(line, "BIND_NOW"):
			bindNow = true
		case strings.Contains(line, "(FLAGS_1)") && strings.Contains(line, " NOW"):
			bindNow = true
		}
		if strings.Contains(line, string(stackChkFail)) {
			canary = true
		}
	}

	return &domain.Hardening{
		RELRO:       relroLevel(relro, bindNow),
		StackCanary: domain.BoolPtr(canary),
		PIE:         domain.BoolPtr(pie),
		Tool:        ProberReadelf,
	}
}

func relroLevel(relro, bindNow bool) string {
	switch {
	case relro && bindNow:
		return domain.RELROFull
	case relro:
		return domain.RELROPartial
	}
	return domain.RELRONone
}

// ELFReaderProber 进程内解析 ELF，不依赖外部工具
type ELFReaderProber struct{}

func (ELFReaderProber) Name() string { return ProberELFReader }

const (
	etDyn        = elf_reader.ELFFileType(3)
	ptGNURelro   = elf_reader.ProgramHeaderType(0x6474e552)
	dtNull       = 0
	dtFlags      = 30
	dtBindNow    = 24
	dtFlags1     = 0x6ffffffb
	dfBindNow    = 0x8
	df1Now       = 0x1
	elfClass64   = 2
	elfDataLSB   = 1
	elfIdentSize = 16
)

// Probe 读取程序头与 .dynamic 节
func (ELFReaderProber) Probe(ctx context.Context, path string) (*domain.Hardening, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw) < elfIdentSize || !bytes.HasPrefix(raw, []byte("\x7fELF")) {
		return nil, fmt.Errorf("%s is not an ELF file", path)
	}

	f, err := elf_reader.ParseELFFile(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ELF %s: %w", path, err)
	}

	relro := false
	for i := uint16(0); i < f.GetSegmentCount(); i++ {
		phdr, err := f.GetProgramHeader(i)
		if err != nil {
			continue
		}
		if phdr.GetType() == ptGNURelro {
			relro = true
		}
	}

	bindNow := false
	for i := uint16(0); i < f.GetSectionCount(); i++ {
		name, err := f.GetSectionName(i)
		if err != nil || name != ".dynamic" {
			continue
		}
		header, err := f.GetSectionHeader(i)
		if err != nil {
			break
		}
		bindNow = dynamicBindNow(raw, header.GetFileOffset(), header.GetSize())
		break
	}

	return &domain.Hardening{
		RELRO:       relroLevel(relro, bindNow),
		StackCanary: domain.BoolPtr(bytes.Contains(raw, stackChkFail)),
		PIE:         domain.BoolPtr(f.GetFileType() == etDyn),
		Tool:        ProberELFReader,
	}, nil
}

// dynamicBindNow 遍历 .dynamic 条目查找立即绑定标志
func dynamicBindNow(raw []byte, offset, size uint64) bool {
	end := offset + size
	if end > uint64(len(raw)) || offset > end {
		return false
	}

	var order binary.ByteOrder = binary.BigEndian
	if raw[5] == elfDataLSB {
		order = binary.LittleEndian
	}
	wide := raw[4] == elfClass64

	entSize := uint64(8)
	if wide {
		entSize = 16
	}

	for pos := offset; pos+entSize <= end; pos += entSize {
		var tag, val uint64
		if wide {
			tag = order.Uint64(raw[pos:])
			val = order.Uint64(raw[pos+8:])
		} else {
			tag = uint64(order.Uint32(raw[pos:]))
			val = uint64(order.Uint32(raw[pos+4:]))
		}
		switch tag {
		case dtNull:
			return false
		case dtBindNow:
			return true
		case dtFlags:
			if val&dfBindNow != 0 {
				return true
			}
		case dtFlags1:
			if val&df1Now != 0 {
				return true
			}
		}
	}
	return false
}
