package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/kellnr/kellnr/auth"
	"github.com/kellnr/kellnr/blobstore"
	"github.com/kellnr/kellnr/config"
	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/queue"
	"github.com/kellnr/kellnr/toolchain"
	"github.com/kellnr/kellnr/version"
)

// RouterDeps is the capability set the handlers close over.
type RouterDeps struct {
	DB         db.DbProvider
	Blobs      blobstore.Store
	Auth       *auth.Service
	Toolchains *toolchain.Service
	Docs       *queue.DocsNotifier // nil when AMQP notifications are disabled
	Oidc       *auth.OIDCProvider  // nil when OIDC login is disabled
	Settings   config.Settings
}

// RegisterRoutes mounts the registry API onto the Echo instance.
func RegisterRoutes(e *echo.Echo, deps RouterDeps) {
	h := &handlers{deps: deps}

	e.GET("/api/v1/version", h.buildInfo)
	e.POST("/api/v1/login", h.login)
	e.DELETE("/api/v1/logout", h.logout)

	if deps.Oidc != nil {
		e.GET("/api/v1/oidc/login", h.oidcLogin)
		e.GET("/api/v1/oidc/callback", h.oidcCallback)
	}

	crates := e.Group("/api/v1/crates")
	crates.PUT("/new", h.publish)
	crates.PUT("/new_empty", h.newEmptyCrate)
	crates.GET("", h.search)
	crates.GET("/:name/:version/download", h.download)
	crates.DELETE("/:name/:version/yank", h.yank)
	crates.PUT("/:name/:version/unyank", h.unyank)
	crates.DELETE("/:name/:version", h.deleteVersion)
	crates.GET("/:name/owners", h.listOwners)
	crates.PUT("/:name/owners", h.addOwners)
	crates.DELETE("/:name/owners", h.removeOwners)
	crates.PUT("/:name/owners/:user", h.addOwner)
	crates.DELETE("/:name/owners/:user", h.removeOwner)
	crates.GET("/:name/crate_users", h.listCrateUsers)
	crates.PUT("/:name/crate_users/:user", h.addCrateUser)
	crates.DELETE("/:name/crate_users/:user", h.removeCrateUser)
	crates.GET("/:name/crate_groups", h.listCrateGroups)
	crates.PUT("/:name/crate_groups/:group", h.addCrateGroup)
	crates.DELETE("/:name/crate_groups/:group", h.removeCrateGroup)
	crates.GET("/:name/crate_versions", h.crateVersions)

	e.GET("/api/v1/index/:name", h.prefetch)
	if deps.Settings.Proxy.Enabled {
		e.GET("/api/v1/cratesio/index/:name", h.cratesioPrefetch)
	}

	e.PUT("/api/v1/toolchains", h.addToolchain)
	e.GET("/api/v1/toolchains/:name", h.listToolchains)
	e.PUT("/api/v1/toolchains/:name/:version/:target", h.addToolchainTarget)
	e.DELETE("/api/v1/toolchains/:name/:version/:target", h.deleteToolchainTarget)
	e.GET("/api/v1/channels/:name", h.listChannels)
	e.PUT("/api/v1/channels/:name/:channel", h.setChannel)
	// Both dist routes share the first param name; Echo keeps one param
	// slot per path position.
	e.GET("/dist/:segment", h.channelManifest)
	e.GET("/dist/:segment/:filename", h.distArchive)
}

type handlers struct {
	deps RouterDeps
}

// actor resolves the request's credentials to an Actor: the
// Authorization header first (either the raw token cargo sends or a
// "Bearer <token>" form), then the session cookie. Absent or invalid
// credentials yield Anonymous; the gates decide whether that suffices.
func (h *handlers) actor(c echo.Context) auth.Actor {
	ctx := c.Request().Context()
	if header := c.Request().Header.Get(echo.HeaderAuthorization); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if actor, err := h.deps.Auth.AuthenticateToken(ctx, token); err == nil {
			return actor
		}
		return auth.Anonymous()
	}
	if cookie, err := c.Cookie(auth.SessionCookieName); err == nil {
		if actor, err := h.deps.Auth.AuthenticateCookie(ctx, cookie); err == nil {
			return actor
		}
	}
	return auth.Anonymous()
}

// ackBody is the {"ok": ..., "msg": ...} acknowledgement format.
type ackBody struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg"`
}

func ack(c echo.Context, msg string) error {
	return c.JSON(http.StatusOK, ackBody{OK: true, Msg: msg})
}

func (h *handlers) buildInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, version.GetBuildInfo())
}

type loginBody struct {
	User string `json:"user"`
	Pwd  string `json:"pwd"`
}

func (h *handlers) login(c echo.Context) error {
	var body loginBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	cookie, err := h.deps.Auth.Login(c.Request().Context(), body.User, body.Pwd)
	if err != nil {
		return err
	}
	c.SetCookie(cookie)
	return ack(c, "logged in")
}

func (h *handlers) logout(c echo.Context) error {
	cookie, _ := c.Cookie(auth.SessionCookieName)
	expired, err := h.deps.Auth.Logout(c.Request().Context(), cookie)
	if err != nil {
		return err
	}
	c.SetCookie(expired)
	return ack(c, "logged out")
}

func (h *handlers) oidcLogin(c echo.Context) error {
	authURL, err := h.deps.Oidc.BeginLogin(c.Request().Context())
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, authURL)
}

func (h *handlers) oidcCallback(c echo.Context) error {
	ctx := c.Request().Context()
	user, err := h.deps.Oidc.CompleteLogin(ctx, c.QueryParam("state"), c.QueryParam("code"))
	if err != nil {
		return err
	}
	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	if err := h.deps.DB.AddSessionToken(ctx, user.ID, token); err != nil {
		return err
	}
	cookie, err := h.deps.Auth.Jar().Seal(token)
	if err != nil {
		return err
	}
	c.SetCookie(cookie)
	return c.Redirect(http.StatusFound, "/")
}
