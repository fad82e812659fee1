package group

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/any-hub/any-repo/internal/artifact"
)

// aggregateVersion 随聚合文件格式变化递增。
const aggregateVersion = 1

type compositeIndex struct {
	Version    int      `json:"version"`
	Group      string   `json:"group"`
	Namespaced bool     `json:"namespaced"`
	Members    []string `json:"members"`
}

// stagedFile 是暂存目录中已渲染完成、等待替换上线的聚合文件。
type stagedFile struct {
	path        string
	file        string
	contentType string
}

// renderAggregates 把聚合文件写入 dir。输出只取决于组 ID、模式与成员顺序，重复渲染得到相同字节。
func renderAggregates(dir, groupID string, namespaced bool, members []string) ([]stagedFile, error) {
	if members == nil {
		members = []string{}
	}
	index, err := json.MarshalIndent(compositeIndex{
		Version:    aggregateVersion,
		Group:      groupID,
		Namespaced: namespaced,
		Members:    members,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode composite index: %w", err)
	}
	index = append(index, '\n')

	var text strings.Builder
	fmt.Fprintf(&text, "version=%d\n", aggregateVersion)
	fmt.Fprintf(&text, "members=%d\n", len(members))

	files := []stagedFile{
		{path: IndexJSONPath, file: "composite-index.json", contentType: "application/json"},
		{path: IndexPath, file: "composite.index", contentType: "text/plain; charset=utf-8"},
	}
	contents := [][]byte{index, []byte(text.String())}
	for i := range files {
		files[i].file = filepath.Join(dir, files[i].file)
		if err := writeSynced(files[i].file, contents[i]); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func writeSynced(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func aggregateHeaders(contentType string) artifact.Headers {
	return artifact.Headers{artifact.HeaderContentType: contentType}
}
