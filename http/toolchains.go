package http

import (
	"io"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/kellnr/kellnr/kellnrerr"
)

// ensureAdmin guards the toolchain mutations, which are an
// administrative concern rather than a per-crate one.
func (h *handlers) ensureAdmin(c echo.Context) error {
	actor := h.actor(c)
	if err := h.deps.Auth.EnsureCanModify(actor); err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return kellnrerr.Authorization("only admins may manage toolchains", nil)
	}
	return nil
}

type addToolchainBody struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Date    string `json:"date"`
}

func (h *handlers) addToolchain(c echo.Context) error {
	if err := h.ensureAdmin(c); err != nil {
		return err
	}
	var body addToolchainBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.Name == "" || body.Version == "" || body.Date == "" {
		return kellnrerr.Validation("name, version, and date are required", nil)
	}
	if _, err := h.deps.Toolchains.Add(c.Request().Context(), body.Name, body.Version, body.Date); err != nil {
		return err
	}
	return ack(c, "toolchain added")
}

func (h *handlers) listToolchains(c echo.Context) error {
	toolchains, err := h.deps.Toolchains.List(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"toolchains": toolchains})
}

func (h *handlers) addToolchainTarget(c echo.Context) error {
	if err := h.ensureAdmin(c); err != nil {
		return err
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return kellnrerr.Validation("target archive body is empty", nil)
	}
	err = h.deps.Toolchains.AddTarget(c.Request().Context(),
		c.Param("name"), c.Param("version"), c.Param("target"), data)
	if err != nil {
		return err
	}
	return ack(c, "target added")
}

func (h *handlers) deleteToolchainTarget(c echo.Context) error {
	if err := h.ensureAdmin(c); err != nil {
		return err
	}
	err := h.deps.Toolchains.DeleteTarget(c.Request().Context(),
		c.Param("name"), c.Param("version"), c.Param("target"))
	if err != nil {
		return err
	}
	return ack(c, "target deleted")
}

func (h *handlers) listChannels(c echo.Context) error {
	channels, err := h.deps.Toolchains.Channels(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"channels": channels})
}

type setChannelBody struct {
	Version string `json:"version"`
}

func (h *handlers) setChannel(c echo.Context) error {
	if err := h.ensureAdmin(c); err != nil {
		return err
	}
	var body setChannelBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	err := h.deps.Toolchains.SetChannel(c.Request().Context(),
		c.Param("channel"), c.Param("name"), body.Version)
	if err != nil {
		return err
	}
	return ack(c, "channel set")
}

// manifestFileRe matches channel manifest filenames like
// channel-rust-stable.toml.
var manifestFileRe = regexp.MustCompile(`^channel-([a-zA-Z0-9_]+)-([a-zA-Z0-9._-]+)\.toml$`)

// channelManifest handles GET /dist/channel-<name>-<channel>.toml.
func (h *handlers) channelManifest(c echo.Context) error {
	m := manifestFileRe.FindStringSubmatch(c.Param("segment"))
	if m == nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	manifest, err := h.deps.Toolchains.ManifestForChannel(c.Request().Context(), m[1], m[2])
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "text/plain", []byte(manifest))
}

// distArchive handles GET /dist/:date/:filename.
func (h *handlers) distArchive(c echo.Context) error {
	data, err := h.deps.Toolchains.Archive(c.Request().Context(), c.Param("segment"), c.Param("filename"))
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/x-xz", data)
}
