package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/indexcodec"
)

// prefetchLines converts stored index rows back into codec lines so the
// response bytes are the same canonical form the stored ETag was hashed
// over.
func prefetchLines(entries []db.PrefetchEntry) ([]indexcodec.Line, error) {
	lines := make([]indexcodec.Line, 0, len(entries))
	for _, e := range entries {
		var deps []indexcodec.Dependency
		if e.Deps != "" {
			if err := json.Unmarshal([]byte(e.Deps), &deps); err != nil {
				return nil, fmt.Errorf("decode deps for %s %s: %w", e.Name, e.Version, err)
			}
		}
		features := map[string][]string{}
		if e.Features != "" {
			if err := json.Unmarshal([]byte(e.Features), &features); err != nil {
				return nil, fmt.Errorf("decode features for %s %s: %w", e.Name, e.Version, err)
			}
		}
		var features2 map[string][]string
		if e.Features2 != "" {
			if err := json.Unmarshal([]byte(e.Features2), &features2); err != nil {
				return nil, fmt.Errorf("decode features2 for %s %s: %w", e.Name, e.Version, err)
			}
		}
		line := indexcodec.Line{
			Name: e.Name, Vers: e.Version, Deps: deps, Cksum: e.Cksum,
			Features: features, Features2: features2, Yanked: e.Yanked, V: e.V,
		}
		if e.Links != "" {
			links := e.Links
			line.Links = &links
		}
		if line.Deps == nil {
			line.Deps = []indexcodec.Dependency{}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// prefetch handles GET /api/v1/index/:name: the index blob with its
// validators, honoring If-None-Match and If-Modified-Since with 304.
func (h *handlers) prefetch(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	if err := h.deps.Auth.EnsureCanDownload(ctx, h.actor(c), name); err != nil {
		return err
	}

	entries, etag, err := h.deps.DB.GetPrefetchData(ctx, name)
	if err != nil {
		return err
	}
	crate, err := h.deps.DB.GetCrateData(ctx, name)
	if err != nil {
		return err
	}
	lastModified := crate.LastUpdated

	if c.Request().Header.Get("If-None-Match") == etag ||
		(lastModified != "" && c.Request().Header.Get("If-Modified-Since") == lastModified) {
		return c.NoContent(http.StatusNotModified)
	}

	lines, err := prefetchLines(entries)
	if err != nil {
		return err
	}
	body, err := indexcodec.EncodeAll(lines)
	if err != nil {
		return err
	}
	c.Response().Header().Set("ETag", etag)
	c.Response().Header().Set("Last-Modified", lastModified)
	return c.Blob(http.StatusOK, "text/plain", body)
}

// cratesioPrefetch handles GET /api/v1/cratesio/index/:name against the
// proxy cache: 304 when the client's validators match the cached ones,
// the cached blob otherwise, 404 when the package has never been
// cached.
func (h *handlers) cratesioPrefetch(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	var etag, lastModified *string
	if v := c.Request().Header.Get("If-None-Match"); v != "" {
		etag = &v
	}
	if v := c.Request().Header.Get("If-Modified-Since"); v != "" {
		lastModified = &v
	}

	freshness, cached, err := h.deps.DB.IsCratesioCacheUpToDate(ctx, name, etag, lastModified)
	if err != nil {
		return err
	}
	switch freshness {
	case db.CacheUpToDate:
		return c.NoContent(http.StatusNotModified)
	case db.CacheNotFound:
		return echo.NewHTTPError(http.StatusNotFound, "crate not cached")
	default:
		c.Response().Header().Set("ETag", cached.Etag)
		c.Response().Header().Set("Last-Modified", cached.LastModified)
		return c.Blob(http.StatusOK, "text/plain", cached.Bytes)
	}
}
