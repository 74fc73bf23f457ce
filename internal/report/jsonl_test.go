package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	require.NoError(t, w.WriteLine(Failure{BinaryPath: "/in/a.apk", Error: "artifact not found"}))
	require.NoError(t, w.WriteLine(map[string]string{"url": "https://example.com/?a=1&b=2"}))
	assert.Equal(t, 0, buf.Len(), "buffered until flush")

	require.NoError(t, w.Flush())
	assert.Equal(t, 2, w.Lines())

	scanner := bufio.NewScanner(&buf)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var f Failure
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &f))
	assert.Equal(t, "/in/a.apk", f.BinaryPath)
	assert.Contains(t, lines[1], "&b=2")
}
