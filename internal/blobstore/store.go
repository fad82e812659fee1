package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/any-hub/any-repo/internal/artifact"
)

const (
	blobsDir   = "blobs"
	headersDir = "headers"
	tmpDir     = ".tmp"
	headerExt  = ".json"
	// headerDirExt 加在头部树的每一级目录名后，与以 headerExt 结尾的头部文件名互不相交。
	headerDirExt = ".d"
)

// computedHeaders 由 Store 在写入时计算，SetHeaders 不允许覆盖。
var computedHeaders = []string{
	artifact.HeaderSize,
	artifact.HeaderSHA1,
	artifact.HeaderSHA256,
	artifact.HeaderCreationTime,
}

// Info 描述一个已提交 Blob 的元信息。
type Info struct {
	Key     string
	Size    int64
	Created time.Time
	Headers artifact.Headers
}

// Blob 是 Open 的结果，调用方负责关闭 Reader。
type Blob struct {
	Info
	Reader io.ReadSeekCloser
}

// Store 是基于本地文件系统的 Blob 存储，单实例可被多个仓库共享。
type Store struct {
	root  string
	now   func() time.Time
	locks *entryLocks
}

// Option 调整 Store 的可选行为。
type Option func(*Store)

// WithClock 替换创建时间使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore 以 root 为根目录构建存储，并创建 blobs/headers/.tmp 三个子目录。
func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob store root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob store root: %w", err)
	}
	for _, dir := range []string{blobsDir, headersDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create blob store layout: %w", err)
		}
	}
	s := &Store{
		root:  abs,
		now:   time.Now,
		locks: newEntryLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root 返回存储根目录的绝对路径。
func (s *Store) Root() string {
	return s.root
}

// Create 原子写入 payload 与 headers：要么完整可见，要么完全不可见。
// key 已存在时返回 ErrAlreadyExists；headers 中携带的 sha1/sha256 与实际内容不符时返回 ErrCorruptBlob。
func (s *Store) Create(ctx context.Context, key string, payload io.Reader, headers artifact.Headers) (*Info, error) {
	return s.put(ctx, key, payload, headers, false)
}

// Replace 与 Create 相同，但允许覆盖已有 Blob。新内容完整暂存后才替换旧 Blob，
// 暂存失败（读取中断、取消、校验和不符）时旧 Blob 保持不变。
func (s *Store) Replace(ctx context.Context, key string, payload io.Reader, headers artifact.Headers) (*Info, error) {
	return s.put(ctx, key, payload, headers, true)
}

func (s *Store) put(ctx context.Context, key string, payload io.Reader, headers artifact.Headers, overwrite bool) (*Info, error) {
	clean, err := canonicalKey(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(clean)
	defer unlock()

	payloadPath, headerPath := s.paths(clean)
	if !overwrite {
		if exists, err := fileExists(headerPath); err != nil {
			return nil, err
		} else if exists {
			return nil, artifact.ErrAlreadyExists
		}
	}
	if info, err := os.Stat(payloadPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a collection", artifact.ErrAlreadyExists, clean)
	}

	staged, err := s.stagePayload(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer staged.cleanup()

	hdr := headers.Clone()
	if err := verifySupplied(hdr, staged); err != nil {
		return nil, err
	}
	created := hdr.Time(artifact.HeaderCreationTime)
	if created.IsZero() {
		created = s.now().UTC()
	}
	hdr[artifact.HeaderSize] = strconv.FormatInt(staged.size, 10)
	hdr[artifact.HeaderSHA1] = staged.sha1
	hdr[artifact.HeaderSHA256] = staged.sha256.String()
	hdr.SetTime(artifact.HeaderCreationTime, created)

	tmpHeader, err := s.stageHeaders(hdr)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpHeader)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(payloadPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(headerPath), 0o755); err != nil {
		return nil, err
	}
	if overwrite {
		// 先撤下旧头部，旧 Blob 在 payload 被覆盖前即不可见。
		if err := os.Remove(headerPath); err != nil && !isNotExist(err) {
			return nil, err
		}
	}
	// 崩溃遗留的无头 payload 直接被 rename 覆盖。
	if err := os.Rename(staged.path, payloadPath); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpHeader, headerPath); err != nil {
		_ = os.Remove(payloadPath)
		return nil, err
	}
	syncDir(filepath.Dir(headerPath))

	return &Info{
		Key:     clean,
		Size:    staged.size,
		Created: hdr.Time(artifact.HeaderCreationTime),
		Headers: hdr,
	}, nil
}

// Exists 仅当头部与 payload 均已提交时返回 true。
func (s *Store) Exists(key string) (bool, error) {
	clean, err := canonicalKey(key)
	if err != nil {
		return false, err
	}
	payloadPath, headerPath := s.paths(clean)
	ok, err := fileExists(headerPath)
	if err != nil || !ok {
		return false, err
	}
	return fileExists(payloadPath)
}

// Open 返回 Blob 的头部与正文 Reader。
func (s *Store) Open(ctx context.Context, key string) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := s.Stat(key)
	if err != nil {
		return nil, err
	}
	payloadPath, _ := s.paths(info.Key)
	f, err := os.Open(payloadPath)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: payload missing for %s", artifact.ErrCorruptBlob, info.Key)
		}
		return nil, err
	}
	return &Blob{Info: *info, Reader: f}, nil
}

// Stat 读取头部并校验 payload 大小，不打开正文。
func (s *Store) Stat(key string) (*Info, error) {
	clean, err := canonicalKey(key)
	if err != nil {
		return nil, err
	}
	hdr, err := s.readHeaderFile(clean)
	if err != nil {
		return nil, err
	}
	payloadPath, _ := s.paths(clean)
	st, err := os.Stat(payloadPath)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: payload missing for %s", artifact.ErrCorruptBlob, clean)
		}
		return nil, err
	}
	if recorded, ok := hdr[artifact.HeaderSize]; ok && recorded != strconv.FormatInt(st.Size(), 10) {
		return nil, fmt.Errorf("%w: %s size %d, header says %s", artifact.ErrCorruptBlob, clean, st.Size(), recorded)
	}
	return &Info{
		Key:     clean,
		Size:    st.Size(),
		Created: hdr.Time(artifact.HeaderCreationTime),
		Headers: hdr,
	}, nil
}

// Headers 返回头部副本。
func (s *Store) Headers(key string) (artifact.Headers, error) {
	clean, err := canonicalKey(key)
	if err != nil {
		return nil, err
	}
	return s.readHeaderFile(clean)
}

// Size 返回 payload 字节数。
func (s *Store) Size(key string) (int64, error) {
	info, err := s.Stat(key)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// CreationTime 返回头部记录的创建时间。
func (s *Store) CreationTime(key string) (time.Time, error) {
	hdr, err := s.Headers(key)
	if err != nil {
		return time.Time{}, err
	}
	return hdr.Time(artifact.HeaderCreationTime), nil
}

// ContentHash 流式计算 payload 的 sha1。
func (s *Store) ContentHash(ctx context.Context, key string) (string, error) {
	blob, err := s.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer blob.Reader.Close()
	h := sha1.New()
	if _, err := copyWithContext(ctx, h, blob.Reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify 重新计算摘要并与头部比对，不一致返回 ErrCorruptBlob。
func (s *Store) Verify(ctx context.Context, key string) error {
	blob, err := s.Open(ctx, key)
	if err != nil {
		return err
	}
	defer blob.Reader.Close()

	sha1h := sha1.New()
	digester := digest.Canonical.Digester()
	if _, err := copyWithContext(ctx, io.MultiWriter(sha1h, digester.Hash()), blob.Reader); err != nil {
		return err
	}
	if want := blob.Headers[artifact.HeaderSHA1]; want != "" && want != hex.EncodeToString(sha1h.Sum(nil)) {
		return fmt.Errorf("%w: %s sha1 mismatch", artifact.ErrCorruptBlob, blob.Key)
	}
	if want := blob.Headers[artifact.HeaderSHA256]; want != "" && want != digester.Digest().String() {
		return fmt.Errorf("%w: %s sha256 mismatch", artifact.ErrCorruptBlob, blob.Key)
	}
	return nil
}

// SetHeaders 原子替换头部；size/sha1/sha256/creationTime 保持写入时的值。
func (s *Store) SetHeaders(key string, headers artifact.Headers) (artifact.Headers, error) {
	clean, err := canonicalKey(key)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(clean)
	defer unlock()

	current, err := s.readHeaderFile(clean)
	if err != nil {
		return nil, err
	}
	next := headers.Clone()
	for _, k := range computedHeaders {
		if v, ok := current[k]; ok {
			next[k] = v
		}
	}
	tmpHeader, err := s.stageHeaders(next)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpHeader)

	_, headerPath := s.paths(clean)
	if err := os.Rename(tmpHeader, headerPath); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete 先删头部再删 payload，返回删除前 Blob 是否可见。
func (s *Store) Delete(key string) (bool, error) {
	clean, err := canonicalKey(key)
	if err != nil {
		return false, err
	}
	unlock := s.locks.lock(clean)
	defer unlock()

	payloadPath, headerPath := s.paths(clean)
	existed := true
	if err := os.Remove(headerPath); err != nil {
		if !isNotExist(err) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(payloadPath); err != nil && !isNotExist(err) {
		if info, statErr := os.Stat(payloadPath); statErr == nil && info.IsDir() {
			return existed, nil
		}
		return existed, err
	}
	return existed, nil
}

// CleanTemp 清理 .tmp 下早于 olderThan 的暂存文件，返回清理数量。
func (s *Store) CleanTemp(olderThan time.Duration) (int, error) {
	dir := filepath.Join(s.root, tmpDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

type stagedPayload struct {
	path   string
	size   int64
	sha1   string
	sha256 digest.Digest
}

func (p *stagedPayload) cleanup() {
	_ = os.Remove(p.path)
}

func (s *Store) stagePayload(ctx context.Context, payload io.Reader) (*stagedPayload, error) {
	if payload == nil {
		return nil, errors.New("payload required")
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "blob-*")
	if err != nil {
		return nil, err
	}
	staged := &stagedPayload{path: tmp.Name()}

	sha1h := sha1.New()
	digester := digest.Canonical.Digester()
	written, err := copyWithContext(ctx, io.MultiWriter(tmp, sha1h, digester.Hash()), payload)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		staged.cleanup()
		return nil, err
	}
	staged.size = written
	staged.sha1 = hex.EncodeToString(sha1h.Sum(nil))
	staged.sha256 = digester.Digest()
	return staged, nil
}

func (s *Store) stageHeaders(hdr artifact.Headers) (string, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "header-*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	err = writeHeaders(tmp, hdr)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func (s *Store) readHeaderFile(clean string) (artifact.Headers, error) {
	_, headerPath := s.paths(clean)
	f, err := os.Open(headerPath)
	if err != nil {
		if isNotExist(err) {
			return nil, artifact.ErrNotFound
		}
		return nil, err
	}
	defer f.Close()
	hdr, err := readHeaders(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}
	return hdr, nil
}

func (s *Store) paths(clean string) (payloadPath, headerPath string) {
	rel := filepath.FromSlash(strings.TrimPrefix(clean, "/"))
	return filepath.Join(s.root, blobsDir, rel), filepath.Join(s.root, headersDir, headerRel(clean))
}

// headerRel 把 key 映射到头部树：目录段加 headerDirExt，末段加 headerExt。
// /r/site/data 与 /r/site/data.json/x 因此分别落在 r.d/site.d/data.json 与
// r.d/site.d/data.json.d/x.json，不会争用同一路径。
func headerRel(clean string) string {
	segments := artifact.Segments(clean)
	parts := make([]string, len(segments))
	for i, seg := range segments {
		if i == len(segments)-1 {
			parts[i] = seg + headerExt
			continue
		}
		parts[i] = seg + headerDirExt
	}
	return filepath.Join(parts...)
}

func canonicalKey(key string) (string, error) {
	clean, err := artifact.Canonical(key)
	if err != nil {
		return "", err
	}
	if clean == artifact.Root {
		return "", fmt.Errorf("%w: empty blob key", artifact.ErrInvalidPath)
	}
	return clean, nil
}

func verifySupplied(hdr artifact.Headers, staged *stagedPayload) error {
	if want := hdr[artifact.HeaderSHA1]; want != "" && !strings.EqualFold(want, staged.sha1) {
		return fmt.Errorf("%w: sha1 %s, expected %s", artifact.ErrCorruptBlob, staged.sha1, want)
	}
	if want := hdr[artifact.HeaderSHA256]; want != "" {
		encoded := strings.ToLower(strings.TrimPrefix(want, string(digest.SHA256)+":"))
		if encoded != staged.sha256.Encoded() {
			return fmt.Errorf("%w: sha256 %s, expected %s", artifact.ErrCorruptBlob, staged.sha256, want)
		}
	}
	return nil
}

// isNotExist 把父路径是普通文件（ENOTDIR）的情况也视为不存在。
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func fileExists(p string) (bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
