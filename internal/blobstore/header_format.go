package blobstore

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/any-hub/any-repo/internal/artifact"
)

// writeHeaders 以 UTF-8 JSON 对象写出头部，键按字典序输出保证内容稳定。
func writeHeaders(w io.Writer, headers artifact.Headers) error {
	if headers == nil {
		headers = artifact.Headers{}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(map[string]string(headers))
}

// readHeaders 解析头部文件；任何无法解析的内容都视为 ErrCorruptHeader。
func readHeaders(r io.Reader) (artifact.Headers, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var decoded map[string]string
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", artifact.ErrCorruptHeader, err)
	}
	if decoded == nil {
		return nil, fmt.Errorf("%w: empty header document", artifact.ErrCorruptHeader)
	}
	return artifact.Headers(decoded), nil
}
