package routes

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/any-repo/internal/artifact"
	"github.com/any-hub/any-repo/internal/proxy"
	"github.com/any-hub/any-repo/internal/registry"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/server"
	"github.com/any-hub/any-repo/internal/task"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断与运维接口：仓库与类型列表、在途任务、
// Prometheus 指标，以及缓存失效、组成员与服务状态的管理入口。
func RegisterDiagnosticsRoutes(app *fiber.App, rt *server.Runtime) {
	if app == nil || rt == nil {
		return
	}

	app.Get("/-/kinds", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"kinds": encodeKinds(repository.Kinds())})
	})

	app.Get("/-/repositories", func(c fiber.Ctx) error {
		entries := rt.Registry.List()
		payload := make([]repositoryPayload, 0, len(entries))
		for _, entry := range entries {
			payload = append(payload, encodeRepository(rt, entry))
		}
		return c.JSON(fiber.Map{"repositories": payload})
	})

	app.Get("/-/repositories/:id", func(c fiber.Ctx) error {
		repo, ok := rt.Registry.Lookup(c.Params("id"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "repository_not_found"})
		}
		return c.JSON(encodeRepository(rt, registry.Entry{ID: repo.ID(), Kind: repo.Kind()}))
	})

	app.Post("/-/repositories/:id/expire", func(c fiber.Ctx) error {
		p, ok := rt.Proxy(c.Params("id"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "proxy_not_found"})
		}
		prefix := c.Query("prefix", artifact.Root)
		if _, err := artifact.Canonical(prefix); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_path", "message": err.Error()})
		}
		err := rt.Coordinator.Submit(&proxy.ExpireJob{Repo: p, Prefix: prefix})
		switch {
		case err == nil:
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true, "prefix": prefix})
		case errors.Is(err, artifact.ErrConflictRejected):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict_rejected", "message": err.Error()})
		case errors.Is(err, task.ErrTasksDisabled), errors.Is(err, task.ErrStopped):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tasks_unavailable", "message": err.Error()})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": err.Error()})
		}
	})

	app.Put("/-/repositories/:id/members", func(c fiber.Ctx) error {
		var body struct {
			Members []string `json:"members"`
		}
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
		}
		if err := rt.UpdateMembers(c.Params("id"), body.Members); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_members", "message": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"members": body.Members})
	})

	app.Put("/-/repositories/:id/status", func(c fiber.Ctx) error {
		var body struct {
			InService bool `json:"in_service"`
		}
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
		}
		if err := rt.SetInService(c.Params("id"), body.InService); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "group_not_found", "message": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"in_service": body.InService})
	})

	app.Get("/-/tasks", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"enabled": rt.Coordinator.Enabled(),
			"tasks":   rt.Coordinator.Running(),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(rt.Metrics.Handler()))
}

type kindPayload struct {
	Kind           string `json:"kind"`
	Description    string `json:"description"`
	Writable       bool   `json:"writable"`
	RequiresRemote bool   `json:"requires_remote"`
	HasMembers     bool   `json:"has_members"`
}

type repositoryPayload struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Proxy      *proxyPayload `json:"proxy,omitempty"`
	Group      *groupPayload `json:"group,omitempty"`
	CheckedOut int           `json:"connections_checked_out,omitempty"`
}

type proxyPayload struct {
	MaxAgeSeconds      int64 `json:"max_age_seconds"`
	NotFoundTTLSeconds int64 `json:"not_found_ttl_seconds"`
	ServeStale         bool  `json:"serve_stale"`
	RetryAttempts      int   `json:"retry_attempts"`
}

type groupPayload struct {
	Members    []string `json:"members"`
	Namespaced bool     `json:"namespaced"`
	InService  bool     `json:"in_service"`
}

func encodeKinds(kinds []repository.KindMetadata) []kindPayload {
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i].Kind < kinds[j].Kind
	})
	result := make([]kindPayload, 0, len(kinds))
	for _, meta := range kinds {
		result = append(result, kindPayload{
			Kind:           string(meta.Kind),
			Description:    meta.Description,
			Writable:       meta.Writable,
			RequiresRemote: meta.RequiresRemote,
			HasMembers:     meta.HasMembers,
		})
	}
	return result
}

func encodeRepository(rt *server.Runtime, entry registry.Entry) repositoryPayload {
	payload := repositoryPayload{ID: entry.ID, Kind: string(entry.Kind)}
	if p, ok := rt.Proxy(entry.ID); ok {
		policy := p.Policy()
		payload.Proxy = &proxyPayload{
			MaxAgeSeconds:      int64(policy.MaxAge.Seconds()),
			NotFoundTTLSeconds: int64(policy.NotFoundTTL.Seconds()),
			ServeStale:         policy.ServeStale,
			RetryAttempts:      policy.Retry.Attempts,
		}
		payload.CheckedOut = rt.Pool.Stats(entry.ID).CheckedOut
	}
	if g, ok := rt.Group(entry.ID); ok {
		payload.Group = &groupPayload{
			Members:    g.Members(),
			Namespaced: g.Namespaced(),
			InService:  g.InService(),
		}
	}
	return payload
}
