package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/artifact"
	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/repository"
)

// 上传时可由客户端提供的校验和头部，存储层会据此校验正文。
const (
	headerChecksumSHA1   = "X-Checksum-Sha1"
	headerChecksumSHA256 = "X-Checksum-Sha256"
)

type repositoryHandler struct {
	rt     *Runtime
	logger *logrus.Logger
}

// serve 按方法分派：GET/HEAD 读取（以 / 结尾时列目录），PUT 写入，DELETE 删除。
func (h *repositoryHandler) serve(c fiber.Ctx) error {
	id := c.Params("id")
	repo, ok := h.rt.Registry.Lookup(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repository_not_found"})
	}

	rawPath := strings.TrimPrefix(string(c.Request().URI().Path()), "/repositories/"+id)
	if rawPath == "" {
		rawPath = artifact.Root
	}
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	started := time.Now()
	var (
		op  string
		err error
	)
	switch method := c.Method(); {
	case (method == http.MethodGet || method == http.MethodHead) && strings.HasSuffix(rawPath, "/"):
		op = "list"
		err = h.list(ctx, c, repo, rawPath)
	case method == http.MethodGet || method == http.MethodHead:
		op = "retrieve"
		err = h.retrieve(ctx, c, repo, rawPath, method == http.MethodHead)
	case method == http.MethodPut:
		op = "store"
		err = h.store(ctx, c, repo, rawPath)
	case method == http.MethodDelete:
		op = "delete"
		err = h.delete(ctx, c, repo, rawPath)
	default:
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
	}

	h.rt.Metrics.ObserveOperation(repo.ID(), op, err)
	h.logResult(c, repo, rawPath, started, err)
	if err != nil {
		return renderError(c, err)
	}
	return nil
}

func (h *repositoryHandler) retrieve(ctx context.Context, c fiber.Ctx, repo repository.Repository, p string, headOnly bool) error {
	art, err := repo.Retrieve(ctx, p)
	if err != nil {
		return err
	}
	defer art.Close()

	contentType := art.Headers[artifact.HeaderContentType]
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderLastModified, art.Created.UTC().Format(http.TimeFormat))
	if sha1 := art.SHA1(); sha1 != "" {
		c.Set(fiber.HeaderETag, fmt.Sprintf("%q", sha1))
		c.Set(headerChecksumSHA1, sha1)
	}
	if sha256 := art.Headers[artifact.HeaderSHA256]; sha256 != "" {
		c.Set(headerChecksumSHA256, sha256)
	}
	if remoteURL := art.Headers[artifact.HeaderRemoteURL]; remoteURL != "" {
		c.Set("X-Any-Repo-Remote", remoteURL)
	}
	c.Response().Header.SetContentLength(int(art.Size))
	c.Status(fiber.StatusOK)

	if headOnly {
		return nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), art.Content); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read artifact failed: %v", err))
	}
	return nil
}

func (h *repositoryHandler) store(ctx context.Context, c fiber.Ctx, repo repository.Repository, p string) error {
	headers := artifact.Headers{}
	if v := strings.TrimSpace(c.Get(headerChecksumSHA1)); v != "" {
		headers[artifact.HeaderSHA1] = v
	}
	if v := strings.TrimSpace(c.Get(headerChecksumSHA256)); v != "" {
		headers[artifact.HeaderSHA256] = v
	}
	if v := strings.TrimSpace(c.Get(fiber.HeaderContentType)); v != "" {
		headers[artifact.HeaderContentType] = v
	}

	attrs, err := repo.Store(ctx, p, bytes.NewReader(c.Body()), headers)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(attrs)
}

func (h *repositoryHandler) delete(ctx context.Context, c fiber.Ctx, repo repository.Repository, p string) error {
	deleted, err := repo.Delete(ctx, p)
	if err != nil {
		return err
	}
	if !deleted {
		return artifact.WrapOp("delete", repo.ID(), p, artifact.ErrNotFound)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *repositoryHandler) list(ctx context.Context, c fiber.Ctx, repo repository.Repository, p string) error {
	recursive := c.Query("recursive") == "true"
	entries := make([]artifact.Entry, 0)
	for entry, err := range repo.List(ctx, p, recursive) {
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	return c.JSON(fiber.Map{
		"repository": repo.ID(),
		"path":       p,
		"recursive":  recursive,
		"entries":    entries,
	})
}

func (h *repositoryHandler) logResult(c fiber.Ctx, repo repository.Repository, p string, started time.Time, err error) {
	status := c.Response().StatusCode()
	if err != nil {
		status, _ = errorStatus(err)
	}
	fields := logging.RequestFields(repo.ID(), string(repo.Kind()), c.Method(), p, status)
	fields["action"] = "request"
	fields["request_id"] = RequestID(c)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	entry := h.logger.WithFields(fields)
	switch {
	case err == nil:
		entry.Debug("request_served")
	case errors.Is(err, artifact.ErrNotFound):
		entry.Debug("request_not_found")
	default:
		entry.WithError(err).Warn("request_failed")
	}
}
