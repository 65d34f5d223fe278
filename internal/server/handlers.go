package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/webstart-cache/internal/buildinfo"
	"github.com/any-hub/webstart-cache/internal/cache"
	"github.com/any-hub/webstart-cache/internal/proxy"
	"github.com/any-hub/webstart-cache/internal/tracker"
	"github.com/any-hub/webstart-cache/internal/version"
)

type handlers struct {
	opts AppOptions
}

func (h *handlers) health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ok",
		"version":    buildinfo.Version,
		"persistent": h.opts.Store.Persistent(),
	})
}

type cachePayload struct {
	Entries    []cache.Entry `json:"entries"`
	Count      int           `json:"count"`
	TotalBytes int64         `json:"total_bytes"`
}

func (h *handlers) listCache(c fiber.Ctx) error {
	entries, err := h.opts.Store.List(c.Context())
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].URL != entries[j].URL {
			return entries[i].URL < entries[j].URL
		}
		return entries[j].Version.Less(entries[i].Version)
	})
	payload := cachePayload{Entries: entries, Count: len(entries)}
	if payload.Entries == nil {
		payload.Entries = []cache.Entry{}
	}
	for _, e := range entries {
		payload.TotalBytes += e.SizeBytes
	}
	return c.JSON(payload)
}

func (h *handlers) clearCache(c fiber.Ctx) error {
	err := h.opts.Store.Clear(c.Context())
	switch {
	case errors.Is(err, cache.ErrCacheInUse):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "cache_in_use"})
	case errors.Is(err, cache.ErrNotPersistent):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "cache_not_persistent"})
	case err != nil:
		return err
	}
	h.logger().WithFields(logrus.Fields{"action": "cache_clear", "request_id": RequestID(c)}).Info("cache cleared")
	return c.SendStatus(fiber.StatusNoContent)
}

// removeEntry 删除 url 的指定版本；未给出 version 时删除该 URL 的全部版本。
func (h *handlers) removeEntry(c fiber.Ctx) error {
	rawURL := strings.TrimSpace(c.Query("url"))
	if rawURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
	}
	ctx := c.Context()

	var locators []cache.Locator
	if raw := strings.TrimSpace(c.Query("version")); raw != "" {
		id, err := version.ParseID(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_version"})
		}
		locators = append(locators, cache.Locator{URL: rawURL, Version: id})
	} else {
		entries, err := h.opts.Store.Versions(ctx, rawURL)
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return err
		}
		for _, e := range entries {
			locators = append(locators, e.Locator())
		}
	}

	removed := 0
	for _, loc := range locators {
		err := h.opts.Store.Remove(ctx, loc)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			continue
		case errors.Is(err, cache.ErrNotPersistent):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "cache_not_persistent"})
		case err != nil:
			return err
		}
		removed++
	}
	if removed == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
	}
	h.logger().WithFields(logrus.Fields{
		"action":     "cache_remove",
		"url":        rawURL,
		"removed":    removed,
		"request_id": RequestID(c),
	}).Info("cache entry removed")
	return c.JSON(fiber.Map{"removed": removed})
}

type resolveBody struct {
	Resources []tracker.Request `json:"resources"`
}

type resolvePayload struct {
	BatchID string           `json:"batch_id"`
	Results []tracker.Result `json:"results"`
	Failed  int              `json:"failed"`
}

// resolve 接受 {"resources":[...]} 或直接的请求数组。强制资源失败时返回 502。
func (h *handlers) resolve(c fiber.Ctx) error {
	requests, err := decodeRequests(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "detail": err.Error()})
	}
	if len(requests) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "resources_required"})
	}

	batchID := uuid.NewString()
	results := h.opts.Resolver.ResolveAll(c.Context(), requests)
	payload := resolvePayload{BatchID: batchID, Results: make([]tracker.Result, 0, len(results))}
	for _, res := range results {
		payload.Results = append(payload.Results, res)
		if res.State == tracker.StateFailed {
			payload.Failed++
		}
	}
	sort.Slice(payload.Results, func(i, j int) bool {
		return payload.Results[i].Key.String() < payload.Results[j].Key.String()
	})

	status := fiber.StatusOK
	for _, req := range requests {
		if res, ok := results[req.Key()]; ok && req.Mandatory && res.State == tracker.StateFailed {
			status = fiber.StatusBadGateway
		}
	}

	h.logger().WithFields(logrus.Fields{
		"action":     "resolve_batch",
		"batch_id":   batchID,
		"resources":  len(requests),
		"failed":     payload.Failed,
		"request_id": RequestID(c),
	}).Info("batch resolved")
	return c.Status(status).JSON(payload)
}

func decodeRequests(body []byte) ([]tracker.Request, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []tracker.Request
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var wrapped resolveBody
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Resources, nil
}

type proxyPayload struct {
	URL    string        `json:"url"`
	Routes []proxy.Route `json:"routes"`
}

func (h *handlers) selectProxy(c fiber.Ctx) error {
	raw := strings.TrimSpace(c.Query("url"))
	if raw == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
	}
	target, err := url.Parse(raw)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_url"})
	}
	routes := h.opts.Routes.Select(c.Context(), target)
	return c.JSON(proxyPayload{URL: target.String(), Routes: routes})
}

func (h *handlers) logger() *logrus.Logger {
	return h.opts.Logger
}
