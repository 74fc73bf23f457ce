package hashing

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/apk-analysis/appsec-engine/internal/domain"
)

// ChunkSize 每次读取的字节数，内存占用与文件大小无关
const ChunkSize = 64 * 1024

// Hash 流式计算文件的 MD5 / SHA1 / SHA256（原始字节）
func Hash(path string) (domain.Hashes, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Hashes{}, fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, path)
		}
		return domain.Hashes{}, fmt.Errorf("%w: open %s: %v", domain.ErrArtifactCorrupt, path, err)
	}
	defer file.Close()

	return HashReader(file)
}

// HashReader 对任意 Reader 计算摘要
func HashReader(r io.Reader) (domain.Hashes, error) {
	md5Hash := md5.New()
	sha1Hash := sha1.New()
	sha256Hash := sha256.New()
	multiWriter := io.MultiWriter(md5Hash, sha1Hash, sha256Hash)

	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(multiWriter, onlyReader{r}, buf); err != nil {
		return domain.Hashes{}, fmt.Errorf("%w: read: %v", domain.ErrArtifactCorrupt, err)
	}

	return domain.Hashes{
		MD5:    hex.EncodeToString(md5Hash.Sum(nil)),
		SHA1:   hex.EncodeToString(sha1Hash.Sum(nil)),
		SHA256: hex.EncodeToString(sha256Hash.Sum(nil)),
	}, nil
}

// onlyReader 隐藏 WriterTo，保证 CopyBuffer 使用固定大小缓冲区
type onlyReader struct {
	io.Reader
}
