package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/any-hub/any-repo/internal/artifact"
)

// 属性：成功写入的 Blob 原样读回且摘要一致；中途失败的写入永远不可见。
func TestStoreRoundTripProperty(t *testing.T) {
	store := newTestStore(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	counter := 0
	properties.Property("created blobs read back byte-identical", prop.ForAll(
		func(name string, body string) bool {
			counter++
			key := "/prop/" + name + "/" + string(rune('a'+counter%26)) + ".bin"
			if _, err := store.Delete(key); err != nil {
				return false
			}
			if _, err := store.Create(context.Background(), key, bytes.NewReader([]byte(body)), nil); err != nil {
				return false
			}
			blob, err := store.Open(context.Background(), key)
			if err != nil {
				return false
			}
			defer blob.Reader.Close()
			got, err := io.ReadAll(blob.Reader)
			if err != nil {
				return false
			}
			return string(got) == body && blob.Headers[artifact.HeaderSHA1] == sha1Hex([]byte(body))
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.Property("failed writes are never visible", prop.ForAll(
		func(name string, body string) bool {
			key := "/failed/" + name
			reader := io.MultiReader(bytes.NewReader([]byte(body)), errReader{err: errors.New("interrupted")})
			if _, err := store.Create(context.Background(), key, reader, nil); err == nil {
				return false
			}
			ok, err := store.Exists(key)
			return err == nil && !ok
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
