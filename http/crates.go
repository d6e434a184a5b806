package http

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kellnr/kellnr/common"
	"github.com/kellnr/kellnr/kellnrerr"
	"github.com/kellnr/kellnr/queue"
)

// publishOK is the publish success body: {"ok": true, "warnings": {...}}.
type publishOK struct {
	OK       bool            `json:"ok"`
	Warnings publishWarnings `json:"warnings"`
}

type publishWarnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}

// publish handles PUT /api/v1/crates/new: parse the framed body, write
// the blob, run the registry transaction, and compensate the blob on
// failure.
func (h *handlers) publish(c echo.Context) error {
	actor := h.actor(c)
	if err := h.deps.Auth.EnsureCanModify(actor); err != nil {
		return err
	}

	req, err := ParsePublishBody(c.Request().Body)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	sum := sha256.Sum256(req.Data)
	cksum := hex.EncodeToString(sum[:])

	data, err := req.Metadata.ToCrateVersionData(cksum, actor.Name(), actor.IsAdmin())
	if err != nil {
		return err
	}

	// Refuse duplicates before touching storage: compensating a failed
	// transaction deletes the blob, which must never clobber the blob
	// of an already-published version.
	if exists, err := h.deps.DB.CrateVersionExists(ctx, req.Metadata.Name, req.Metadata.Vers); err != nil {
		return err
	} else if exists {
		return kellnrerr.Conflict("crate version already exists", nil)
	}

	// Blob first, transaction second; a failed transaction deletes the
	// blob so storage and database never disagree about what exists.
	storedCksum, err := h.deps.Blobs.Put(ctx, req.Metadata.Name, req.Metadata.Vers, req.Data)
	if err != nil {
		return err
	}
	if storedCksum != cksum {
		_ = h.deps.Blobs.Delete(ctx, req.Metadata.Name, req.Metadata.Vers)
		return kellnrerr.Integrity("stored blob checksum does not match publish data", nil)
	}
	if err := h.deps.DB.Publish(ctx, data); err != nil {
		if delErr := h.deps.Blobs.Delete(ctx, req.Metadata.Name, req.Metadata.Vers); delErr != nil {
			common.Logger.WithError(delErr).
				WithField("crate", req.Metadata.Name).WithField("version", req.Metadata.Vers).
				Error("failed to delete blob after publish rollback")
		}
		return err
	}

	if h.deps.Docs != nil && h.deps.Settings.Docs.Enabled && req.Metadata.Documentation == "" {
		if err := h.deps.Docs.Notify(queue.DocBuildMessage{
			Package: req.Metadata.Name,
			Version: req.Metadata.Vers,
			Workdir: req.Metadata.Name + "-" + req.Metadata.Vers,
		}); err != nil {
			common.Logger.WithError(err).Warn("doc-build notification failed; worker will pick up the queue row")
		}
	}

	return c.JSON(http.StatusOK, publishOK{OK: true, Warnings: publishWarnings{
		InvalidCategories: []string{}, InvalidBadges: []string{}, Other: []string{},
	}})
}

type newEmptyBody struct {
	Name string `json:"name"`
}

// newEmptyCrate handles PUT /api/v1/crates/new_empty. Admin only.
func (h *handlers) newEmptyCrate(c echo.Context) error {
	actor := h.actor(c)
	if err := h.deps.Auth.EnsureCanModify(actor); err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return kellnrerr.Authorization("only admins may create empty crates", nil)
	}
	var body newEmptyBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if err := validateCrateName(body.Name); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.deps.DB.GetCrateData(ctx, body.Name); err == nil {
		return kellnrerr.Conflict("crate already exists", nil)
	} else if !kellnrerr.Is(err, kellnrerr.KindNotFound) {
		return err
	}
	if _, err := h.deps.DB.AddEmptyCrate(ctx, body.Name); err != nil {
		return err
	}
	return ack(c, "crate created")
}

// download handles GET /api/v1/crates/:name/:version/download: the
// restricted-download gate, then the blob, then the counters.
func (h *handlers) download(c echo.Context) error {
	name, vers := c.Param("name"), c.Param("version")
	ctx := c.Request().Context()

	if err := h.deps.Auth.EnsureCanDownload(ctx, h.actor(c), name); err != nil {
		return err
	}
	crate, err := h.deps.DB.GetCrateData(ctx, name)
	if err != nil {
		return err
	}
	data, err := h.deps.Blobs.Get(ctx, crate.OriginalName, vers)
	if err != nil {
		return err
	}
	if err := h.deps.DB.IncreaseDownloadCounter(ctx, name, vers); err != nil {
		common.Logger.WithError(err).WithField("crate", name).Warn("failed to count download")
	}
	return c.Blob(http.StatusOK, "application/x-tar", data)
}

// ensureOwnerOrAdmin guards the mutations only a crate's owners (or an
// admin) may perform.
func (h *handlers) ensureOwnerOrAdmin(c echo.Context, name string) error {
	actor := h.actor(c)
	if err := h.deps.Auth.EnsureCanModify(actor); err != nil {
		return err
	}
	if actor.IsAdmin() {
		return nil
	}
	owned, err := h.deps.DB.IsOwner(c.Request().Context(), name, actor.Name())
	if err != nil {
		return err
	}
	if !owned {
		return kellnrerr.Authorization("not an owner of this crate", nil)
	}
	return nil
}

func (h *handlers) yank(c echo.Context) error {
	name, vers := c.Param("name"), c.Param("version")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	if err := h.deps.DB.YankCrate(c.Request().Context(), name, vers); err != nil {
		return err
	}
	return ack(c, "yanked")
}

func (h *handlers) unyank(c echo.Context) error {
	name, vers := c.Param("name"), c.Param("version")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	if err := h.deps.DB.UnyankCrate(c.Request().Context(), name, vers); err != nil {
		return err
	}
	return ack(c, "unyanked")
}

// deleteVersion handles DELETE /api/v1/crates/:name/:version: removes
// the version rows, and the blob afterwards. A failed blob delete
// leaves an orphan that is logged, never retried.
func (h *handlers) deleteVersion(c echo.Context) error {
	name, vers := c.Param("name"), c.Param("version")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	ctx := c.Request().Context()
	crate, err := h.deps.DB.GetCrateData(ctx, name)
	if err != nil {
		return err
	}
	if err := h.deps.DB.Delete(ctx, name, vers); err != nil {
		return err
	}
	if err := h.deps.Blobs.Delete(ctx, crate.OriginalName, vers); err != nil {
		common.Logger.WithError(err).
			WithField("crate", crate.OriginalName).WithField("version", vers).
			Error("orphan blob left behind after version delete")
	}
	return ack(c, "deleted")
}

// usersBody is the bulk owner mutation format: {"users": [...]}.
type usersBody struct {
	Users []string `json:"users"`
}

func (h *handlers) listOwners(c echo.Context) error {
	owners, err := h.deps.DB.GetCrateOwners(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	names := make([]string, 0, len(owners))
	for _, o := range owners {
		names = append(names, o.Name)
	}
	return c.JSON(http.StatusOK, usersBody{Users: names})
}

func (h *handlers) addOwners(c echo.Context) error {
	name := c.Param("name")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	var body usersBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	for _, user := range body.Users {
		if err := h.deps.DB.AddOwner(ctx, name, user); err != nil {
			return err
		}
	}
	return ack(c, "owners added")
}

func (h *handlers) removeOwners(c echo.Context) error {
	name := c.Param("name")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	var body usersBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	for _, user := range body.Users {
		if err := h.deps.DB.DeleteOwner(ctx, name, user); err != nil {
			return err
		}
	}
	return ack(c, "owners removed")
}

func (h *handlers) addOwner(c echo.Context) error {
	name := c.Param("name")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	if err := h.deps.DB.AddOwner(c.Request().Context(), name, c.Param("user")); err != nil {
		return err
	}
	return ack(c, "owner added")
}

func (h *handlers) removeOwner(c echo.Context) error {
	name := c.Param("name")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	if err := h.deps.DB.DeleteOwner(c.Request().Context(), name, c.Param("user")); err != nil {
		return err
	}
	return ack(c, "owner removed")
}

func (h *handlers) listCrateUsers(c echo.Context) error {
	users, err := h.deps.DB.GetCrateUsers(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Name)
	}
	return c.JSON(http.StatusOK, usersBody{Users: names})
}

func (h *handlers) addCrateUser(c echo.Context) error {
	name := c.Param("name")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	if err := h.deps.DB.AddCrateUser(c.Request().Context(), name, c.Param("user")); err != nil {
		return err
	}
	return ack(c, "crate user added")
}

func (h *handlers) removeCrateUser(c echo.Context) error {
	name := c.Param("name")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	if err := h.deps.DB.DeleteCrateUser(c.Request().Context(), name, c.Param("user")); err != nil {
		return err
	}
	return ack(c, "crate user removed")
}

type groupsBody struct {
	Groups []string `json:"groups"`
}

func (h *handlers) listCrateGroups(c echo.Context) error {
	groups, err := h.deps.DB.GetCrateGroups(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return c.JSON(http.StatusOK, groupsBody{Groups: names})
}

func (h *handlers) addCrateGroup(c echo.Context) error {
	name := c.Param("name")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	if err := h.deps.DB.AddCrateGroup(c.Request().Context(), name, c.Param("group")); err != nil {
		return err
	}
	return ack(c, "crate group added")
}

func (h *handlers) removeCrateGroup(c echo.Context) error {
	name := c.Param("name")
	if err := h.ensureOwnerOrAdmin(c, name); err != nil {
		return err
	}
	if err := h.deps.DB.DeleteCrateGroup(c.Request().Context(), name, c.Param("group")); err != nil {
		return err
	}
	return ack(c, "crate group removed")
}

type versionEntry struct {
	Version   string `json:"version"`
	Yanked    bool   `json:"yanked"`
	Downloads int64  `json:"downloads"`
}

func (h *handlers) crateVersions(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	rows, err := h.deps.DB.GetCrateVersions(ctx, name)
	if err != nil {
		return err
	}
	out := make([]versionEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, versionEntry{Version: r.Version, Yanked: r.Yanked})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"versions": out})
}

type searchResult struct {
	Name        string `json:"name"`
	MaxVersion  string `json:"max_version"`
	Description string `json:"description"`
}

// search handles GET /api/v1/crates?q=&per_page=.
func (h *handlers) search(c echo.Context) error {
	q := c.QueryParam("q")
	perPage := 10
	if raw := c.QueryParam("per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			return kellnrerr.Validation("per_page must be a number between 1 and 100", err)
		}
		perPage = n
	}
	results, err := h.deps.DB.SearchInCrateName(c.Request().Context(), q, 0, perPage)
	if err != nil {
		return err
	}
	crates := make([]searchResult, 0, len(results))
	for _, r := range results {
		crates = append(crates, searchResult{Name: r.OriginalName, MaxVersion: r.MaxVersion, Description: r.Description})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"crates": crates,
		"meta":   map[string]int{"total": len(crates)},
	})
}
