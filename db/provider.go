package db

import "context"

// CrateVersionData is one version as published: the raw fields needed to
// populate Crate/CrateMeta/CrateIndex and their link tables in a single
// transaction.
type CrateVersionData struct {
	Name          string
	Version       string
	Description   string
	Homepage      string
	Repository    string
	Readme        string
	License       string
	LicenseFile   string
	Documentation string
	Checksum      string
	Deps          string // JSON, already serialized by the index codec
	Features      string // JSON
	Features2     string // JSON, optional
	Links         string
	Authors       []string
	Keywords      []string
	Categories    []string

	// Actor is the publishing user's name. For an existing crate, Actor
	// must already be an owner or Publish fails with NotOwner. For a new
	// crate, Actor becomes its first owner.
	Actor        string
	ActorIsAdmin bool
}

// CrateOverview is a summary row for listing/search results.
type CrateOverview struct {
	Name           string
	OriginalName   string
	MaxVersion     string
	Description    string
	LastUpdated    string
	TotalDownloads int64
}

// CrateSummary adds the fields the crate detail page needs beyond
// CrateOverview.
type CrateSummary struct {
	CrateOverview
	Homepage   string
	Repository string
	Authors    []string
	Keywords   []string
	Categories []string
}

// PrefetchEntry is one line of a sparse-index response: the full set of
// CrateIndex rows for a crate, in publish order.
type PrefetchEntry struct {
	Name      string
	Version   string
	Deps      string
	Cksum     string
	Features  string
	Features2 string
	Yanked    bool
	Links     string
	V         int
}

// CacheFreshness is the verdict IsCratesioCacheUpToDate returns for a
// proxied upstream package, given caller-supplied validators.
type CacheFreshness int

const (
	CacheNotFound CacheFreshness = iota
	CacheUpToDate
	CacheNeedsUpdate
)

// CachedPrefetch is the serialized index blob for a proxied package plus
// the validators it was produced from, returned whenever a caller needs
// the current cached state: on NeedsUpdate, and as the return value of a
// fresh ingest.
type CachedPrefetch struct {
	Bytes        []byte
	Etag         string
	LastModified string
}

// DbProvider is the single capability surface every registry component
// is built against; every multi-row mutation implementation wraps its
// body in a transaction.
type DbProvider interface {
	// Users, sessions, tokens
	AddUser(ctx context.Context, name, pwdHash, salt string, isAdmin bool) (int64, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByName(ctx context.Context, name string) (*User, error)
	GetUserFromToken(ctx context.Context, tokenHash string) (*User, error)
	GetUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id int64) error
	ChangePassword(ctx context.Context, id int64, pwdHash, salt string) error
	ChangeAdminState(ctx context.Context, id int64, isAdmin bool) error
	ChangeReadOnlyState(ctx context.Context, id int64, isReadOnly bool) error
	AuthenticateUser(ctx context.Context, name, pwdHash string) (*User, error)
	IsUsernameAvailable(ctx context.Context, name string) (bool, error)
	AddAuthToken(ctx context.Context, userID int64, name, tokenHash string) (int64, error)
	GetAuthTokens(ctx context.Context, userID int64) ([]AuthToken, error)
	DeleteAuthToken(ctx context.Context, userID, tokenID int64) error
	AddSessionToken(ctx context.Context, userID int64, token string) error
	ValidateSession(ctx context.Context, token string) (*User, error)
	DeleteSessionToken(ctx context.Context, token string) error
	CleanupSessions(ctx context.Context, maxAge int64) (int64, error)

	// Groups
	AddGroup(ctx context.Context, name string) (int64, error)
	GetGroup(ctx context.Context, name string) (*Group, error)
	GetGroups(ctx context.Context) ([]Group, error)
	DeleteGroup(ctx context.Context, name string) error
	AddGroupUser(ctx context.Context, groupName, userName string) error
	GetGroupUsers(ctx context.Context, groupName string) ([]User, error)
	IsGroupUser(ctx context.Context, groupName, userName string) (bool, error)
	DeleteGroupUser(ctx context.Context, groupName, userName string) error

	// Crates
	Publish(ctx context.Context, data CrateVersionData) error
	AddEmptyCrate(ctx context.Context, name string) (int64, error)
	Delete(ctx context.Context, name, version string) error
	YankCrate(ctx context.Context, name, version string) error
	UnyankCrate(ctx context.Context, name, version string) error
	GetPrefetchData(ctx context.Context, name string) ([]PrefetchEntry, string, error)
	IncreaseDownloadCounter(ctx context.Context, name, version string) error
	GetMaxVersionFromName(ctx context.Context, name string) (string, error)
	GetCrateData(ctx context.Context, name string) (*CrateSummary, error)
	GetCrateOverviewList(ctx context.Context, offset, limit int) ([]CrateOverview, error)
	GetCrateVersions(ctx context.Context, name string) ([]CrateIndex, error)
	GetCrateSummaries(ctx context.Context, names []string) ([]CrateSummary, error)
	SearchInCrateName(ctx context.Context, query string, offset, limit int) ([]CrateOverview, error)
	GetLastUpdatedCrate(ctx context.Context, n int) ([]CrateOverview, error)
	GetTopCratesDownloads(ctx context.Context, n int) ([]CrateOverview, error)
	GetTotalUniqueCrates(ctx context.Context) (int64, error)
	GetTotalCrateVersions(ctx context.Context) (int64, error)
	GetTotalDownloads(ctx context.Context) (int64, error)
	CrateVersionExists(ctx context.Context, name, version string) (bool, error)

	// ACLs
	AddOwner(ctx context.Context, crateName, userName string) error
	GetCrateOwners(ctx context.Context, crateName string) ([]User, error)
	DeleteOwner(ctx context.Context, crateName, userName string) error
	IsOwner(ctx context.Context, crateName, userName string) (bool, error)
	AddCrateUser(ctx context.Context, crateName, userName string) error
	GetCrateUsers(ctx context.Context, crateName string) ([]User, error)
	DeleteCrateUser(ctx context.Context, crateName, userName string) error
	IsCrateUser(ctx context.Context, crateName, userName string) (bool, error)
	AddCrateGroup(ctx context.Context, crateName, groupName string) error
	GetCrateGroups(ctx context.Context, crateName string) ([]Group, error)
	DeleteCrateGroup(ctx context.Context, crateName, groupName string) error
	IsCrateGroup(ctx context.Context, crateName, groupName string) (bool, error)
	IsCrateGroupUser(ctx context.Context, crateName, userName string) (bool, error)
	ChangeDownloadRestricted(ctx context.Context, crateName string, restricted bool) error
	IsDownloadRestricted(ctx context.Context, crateName string) (bool, error)

	// Proxy cache
	IsCratesioCacheUpToDate(ctx context.Context, name string, etag, lastModified *string) (CacheFreshness, *CachedPrefetch, error)
	AddCratesioPrefetchData(ctx context.Context, name, etag, lastModified string, description *string, entries []PrefetchEntry) (*CachedPrefetch, error)
	GetCratesioIndexUpdateList(ctx context.Context) ([]string, error)
	IncreaseCachedDownloadCounter(ctx context.Context, name, version string) error
	GetTotalUniqueCachedCrates(ctx context.Context) (int64, error)
	GetTotalCachedCrateVersions(ctx context.Context) (int64, error)
	GetTotalCachedDownloads(ctx context.Context) (int64, error)

	// OAuth2 identities and single-use exchange state
	AddOAuth2State(ctx context.Context, state, pkceVerifier, nonce string) error
	TakeOAuth2State(ctx context.Context, state string) (*OAuth2State, error)
	SweepOAuth2States(ctx context.Context) (int64, error)
	LinkOAuth2Identity(ctx context.Context, userID int64, issuer, subject string, email *string) error
	GetUserByOAuth2Identity(ctx context.Context, issuer, subject string) (*User, error)
	DeleteOAuth2Identity(ctx context.Context, userID int64, issuer string) error

	// Doc queue
	AddDocQueue(ctx context.Context, pkg, version, workdir string) (int64, error)
	GetDocQueue(ctx context.Context) ([]DocQueue, error)
	DeleteDocQueue(ctx context.Context, id int64) error
	UpdateDocsLink(ctx context.Context, name, version, link string) error

	// Webhooks
	RegisterWebhook(ctx context.Context, event, callbackURL string, name *string) (string, error)
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	GetAllWebhooks(ctx context.Context) ([]Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
	AddWebhookQueue(ctx context.Context, webhookID, payload string) (string, error)
	GetPendingWebhookQueueEntries(ctx context.Context, before string) ([]WebhookQueue, error)
	UpdateWebhookQueue(ctx context.Context, id, nextAttempt string) error
	DeleteWebhookQueue(ctx context.Context, id string) error

	// Toolchains
	AddToolchain(ctx context.Context, name, version, date string) (int64, error)
	AddToolchainTarget(ctx context.Context, toolchainID int64, target, storagePath, hash string, size int64) error
	DeleteToolchainTarget(ctx context.Context, toolchainID int64, target string) error
	DeleteToolchain(ctx context.Context, id int64) error
	GetToolchainByChannel(ctx context.Context, name, channel string) (*Toolchain, error)
	GetToolchainByVersion(ctx context.Context, name, version string) (*Toolchain, error)
	GetToolchainByNameVersion(ctx context.Context, name, version string) (*Toolchain, error)
	ListToolchains(ctx context.Context, name string) ([]Toolchain, error)
	GetChannels(ctx context.Context, name string) ([]string, error)
	SetChannel(ctx context.Context, toolchainID int64, channel string) error
}
