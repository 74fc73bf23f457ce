package report

import (
	"bufio"
	"encoding/json"
	"io"
)

// JSONLWriter 每行一个 JSON 文档
type JSONLWriter struct {
	writer *bufio.Writer
	enc    *json.Encoder
	lines  int
}

// NewJSONLWriter 64KB 缓冲
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	bw := bufio.NewWriterSize(w, 64*1024)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{writer: bw, enc: enc}
}

// WriteLine 写入一行；Encoder 自带换行
func (w *JSONLWriter) WriteLine(v any) error {
	if err := w.enc.Encode(v); err != nil {
		return err
	}
	w.lines++
	return nil
}

// Lines 已写入行数
func (w *JSONLWriter) Lines() int { return w.lines }

// Flush 刷新缓冲区
func (w *JSONLWriter) Flush() error {
	return w.writer.Flush()
}
