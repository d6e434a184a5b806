// Package db implements the relational schema, migrations, and the
// DbProvider transaction surface that the rest of kellnr is built on:
// users, crates, the crates.io proxy cache, the doc-build and webhook
// queues, and toolchain distribution.
//
// The schema is expressed as GORM models (gorm.io/gorm), following the
// connection-pooling and AutoMigrate conventions the wider EVE stack uses
// for its own PostgreSQL-backed tables, generalized here from a single
// logging table to the full registry data model.
package db

import "time"

// sortableTimeFormat keeps Last-Updated style columns lexicographically
// sortable as plain strings, so ORDER BY on the text column agrees with
// chronological order without relying on a native timestamp type.
const sortableTimeFormat = "2006-01-02 15:04:05"

// nowSortable returns the current time formatted so that string comparison
// equals chronological comparison. Every write path that sets a "last
// updated" style column must go through this helper.
func nowSortable() string {
	return time.Now().UTC().Format(sortableTimeFormat)
}

// SortableTime formats an arbitrary time the same way nowSortable does,
// for callers (like the webhook dispatcher) that schedule rows against
// the sortable-string time columns.
func SortableTime(t time.Time) string {
	return t.UTC().Format(sortableTimeFormat)
}

// ParseSortableTime is the inverse of SortableTime.
func ParseSortableTime(s string) (time.Time, error) {
	return time.Parse(sortableTimeFormat, s)
}

// nowSortableMinus returns now minus the given number of seconds,
// formatted the same way as nowSortable, for age-based cutoff queries.
func nowSortableMinus(seconds int64) string {
	return time.Now().UTC().Add(-time.Duration(seconds) * time.Second).Format(sortableTimeFormat)
}

// User is a registry account. Exactly one seed user with Name == "admin"
// exists after initialization.
type User struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"uniqueIndex;not null"`
	PwdHash    string `gorm:"not null"`
	Salt       string `gorm:"not null"`
	IsAdmin    bool   `gorm:"not null;default:false"`
	IsReadOnly bool   `gorm:"not null;default:false"`
	Created    string `gorm:"not null"`
}

// AuthToken stores only the hash of a bearer token; the raw value is
// returned to the caller once, at creation time, and never persisted.
type AuthToken struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"not null"`
	TokenHash string `gorm:"uniqueIndex;not null"`
	UserFk    int64  `gorm:"not null;index"`
}

// Session backs the cookie-based login flow. Rows older than the
// configured session age are swept by CleanupSessions.
type Session struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	Token   string `gorm:"uniqueIndex;not null"`
	Created string `gorm:"not null"`
	UserFk  int64  `gorm:"not null;index"`
}

// Group is a named collection of users, used for crate_groups ACLs.
type Group struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"uniqueIndex;not null"`
}

// GroupUser links a User into a Group. (group_fk, user_fk) is unique.
type GroupUser struct {
	ID      int64 `gorm:"primaryKey;autoIncrement"`
	GroupFk int64 `gorm:"not null;uniqueIndex:idx_group_user"`
	UserFk  int64 `gorm:"not null;uniqueIndex:idx_group_user"`
}

// Crate is the internal "krate" row: the normalized, deduplicated
// package. Name is the normalized form; OriginalName is what publishers
// supplied and what the index/UI present.
type Crate struct {
	ID                int64   `gorm:"primaryKey;autoIncrement"`
	Name              string  `gorm:"uniqueIndex;not null"`
	OriginalName      string  `gorm:"not null"`
	MaxVersion        string  `gorm:"not null"`
	TotalDownloads    int64   `gorm:"not null;default:0"`
	LastUpdated       string  `gorm:"not null"`
	Description       *string
	Homepage          *string
	Repository        *string
	Etag              string `gorm:"not null"`
	RestrictedDownload bool  `gorm:"not null;default:false"`
}

// CrateMeta is one published version of a Crate. (crate_fk, version) is
// unique; the set of CrateMeta rows for a crate must equal the set of
// CrateIndex rows (same versions).
type CrateMeta struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Version       string `gorm:"not null;uniqueIndex:idx_crate_meta_version"`
	Created       string `gorm:"not null"`
	Downloads     int64  `gorm:"not null;default:0"`
	Readme        *string
	License       *string
	LicenseFile   *string
	Documentation *string
	Checksum      string `gorm:"not null"`
	CrateFk       int64  `gorm:"not null;uniqueIndex:idx_crate_meta_version;index"`
}

// CrateIndex is the per-version row that the index codec serializes.
// (crate_fk, version) is unique.
type CrateIndex struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	Name    string `gorm:"not null"`
	Version string `gorm:"not null;uniqueIndex:idx_crate_index_version"`
	Deps    string `gorm:"type:text;not null"` // JSON array
	Cksum   string `gorm:"not null"`
	Features string `gorm:"type:text;not null"` // JSON object
	Features2 *string `gorm:"type:text"`
	Yanked  bool   `gorm:"not null;default:false"`
	Links   *string
	V       int    `gorm:"not null;default:2"`
	CrateFk int64  `gorm:"not null;uniqueIndex:idx_crate_index_version;index"`
	PubTime *string
}

// Owner is a crate-publishing ACL entry: a user allowed to publish new
// versions of a crate.
type Owner struct {
	ID      int64 `gorm:"primaryKey;autoIncrement"`
	CrateFk int64 `gorm:"not null;uniqueIndex:idx_owner"`
	UserFk  int64 `gorm:"not null;uniqueIndex:idx_owner"`
}

// CrateUser is a download-ACL entry for a single user on a
// restricted-download crate.
type CrateUser struct {
	ID      int64 `gorm:"primaryKey;autoIncrement"`
	CrateFk int64 `gorm:"not null;uniqueIndex:idx_crate_user"`
	UserFk  int64 `gorm:"not null;uniqueIndex:idx_crate_user"`
}

// CrateGroup is a download-ACL entry for a group on a restricted-download
// crate.
type CrateGroup struct {
	ID      int64 `gorm:"primaryKey;autoIncrement"`
	CrateFk int64 `gorm:"not null;uniqueIndex:idx_crate_group"`
	GroupFk int64 `gorm:"not null;uniqueIndex:idx_crate_group"`
}

// Author, Keyword, Category are interned strings shared across many
// crates; the link tables below are fully replaced on each publish.
type Author struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"uniqueIndex;not null"`
}

type Keyword struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"uniqueIndex;not null"`
}

type Category struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"uniqueIndex;not null"`
}

type CrateAuthorToCrate struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	CrateFk  int64 `gorm:"not null;uniqueIndex:idx_crate_author"`
	AuthorFk int64 `gorm:"not null;uniqueIndex:idx_crate_author"`
}

type CrateKeywordToCrate struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	CrateFk   int64 `gorm:"not null;uniqueIndex:idx_crate_keyword"`
	KeywordFk int64 `gorm:"not null;uniqueIndex:idx_crate_keyword"`
}

type CrateCategoryToCrate struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	CrateFk    int64 `gorm:"not null;uniqueIndex:idx_crate_category"`
	CategoryFk int64 `gorm:"not null;uniqueIndex:idx_crate_category"`
}

// CratesIoCrate mirrors the upstream index for a proxied package.
type CratesIoCrate struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Name           string `gorm:"uniqueIndex;not null"`
	OriginalName   string `gorm:"uniqueIndex;not null"`
	Etag           string `gorm:"not null"`
	LastModified   string `gorm:"not null"`
	Description    *string
	TotalDownloads int64  `gorm:"not null;default:0"`
	MaxVersion     string `gorm:"not null"`
}

// CratesIoIndex is one observed upstream version. (crates_io_fk, version)
// is unique, and rows are never mutated except for Yanked.
type CratesIoIndex struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Name         string `gorm:"not null"`
	Version      string `gorm:"not null;uniqueIndex:idx_cio_index_version"`
	Deps         string `gorm:"type:text;not null"`
	Cksum        string `gorm:"not null"`
	Features     string `gorm:"type:text;not null"`
	Features2    *string `gorm:"type:text"`
	Yanked       bool   `gorm:"not null;default:false"`
	PubTime      *string
	CratesIoFk   int64  `gorm:"not null;uniqueIndex:idx_cio_index_version;index"`
}

// CratesIoMeta tracks per-version download accounting and the synthesized
// docs.rs documentation link for a proxied package.
type CratesIoMeta struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Version       string `gorm:"not null;uniqueIndex:idx_cio_meta_version"`
	Downloads     int64  `gorm:"not null;default:0"`
	Documentation string `gorm:"not null"`
	CratesIoFk    int64  `gorm:"not null;uniqueIndex:idx_cio_meta_version;index"`
}

// DocQueue is a durable FIFO work item for the external docs builder.
type DocQueue struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	Package string `gorm:"not null"`
	Version string `gorm:"not null"`
	Workdir string `gorm:"not null"`
}

// Webhook is a registered callback for a class of registry events.
type Webhook struct {
	ID          string `gorm:"primaryKey"` // uuid
	Event       string `gorm:"not null;index"`
	CallbackURL string `gorm:"not null"`
	Name        *string
}

// WebhookQueue is a durable, at-least-once delivery attempt for one
// Webhook/event pair.
type WebhookQueue struct {
	ID          string `gorm:"primaryKey"` // uuid
	WebhookFk   string `gorm:"not null;index"`
	Payload     string `gorm:"type:text;not null"`
	LastAttempt *string
	NextAttempt string `gorm:"not null;index"`
}

// Toolchain is a distributable (name, version) build, optionally pointed
// to by a channel. For a given name, at most one Toolchain holds a given
// channel.
type Toolchain struct {
	ID      int64   `gorm:"primaryKey;autoIncrement"`
	Name    string  `gorm:"not null"`
	Version string  `gorm:"not null"`
	Date    string  `gorm:"not null"`
	Channel *string `gorm:"index"`
	Created string  `gorm:"not null"`

	Targets []ToolchainTarget `gorm:"foreignKey:ToolchainFk"`
}

// ToolchainTarget is one per-target archive of a Toolchain. Deleting the
// last target of a Toolchain deletes the Toolchain.
type ToolchainTarget struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Target      string `gorm:"not null"`
	StoragePath string `gorm:"not null"`
	Hash        string `gorm:"not null"`
	Size        int64  `gorm:"not null"`
	ToolchainFk int64  `gorm:"not null;index"`
}

// OAuth2Identity links a User to an external OIDC subject. A user may
// have multiple identities, one per provider issuer.
type OAuth2Identity struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	UserFk         int64  `gorm:"not null;uniqueIndex:idx_oauth2_identity"`
	ProviderIssuer string `gorm:"not null;uniqueIndex:idx_oauth2_identity"`
	Subject        string `gorm:"not null"`
	Email          *string
	Created        string `gorm:"not null"`
}

// OAuth2State is a single-use PKCE/nonce holder for an in-flight OAuth2
// authorization-code exchange. Rows older than 10 minutes are swept.
type OAuth2State struct {
	State        string `gorm:"primaryKey"`
	PkceVerifier string `gorm:"not null"`
	Nonce        string `gorm:"not null"`
	Created      string `gorm:"not null"`
}

// TableName overrides keep the link-table names unambiguous regardless
// of GORM's default pluralization heuristics.
func (CrateAuthorToCrate) TableName() string   { return "crate_authors_to_crate" }
func (CrateKeywordToCrate) TableName() string  { return "crate_keywords_to_crate" }
func (CrateCategoryToCrate) TableName() string { return "crate_categories_to_crate" }
func (GroupUser) TableName() string            { return "group_users" }

// AllModels lists every model AutoMigrate must create, in an order safe
// for foreign-key creation on backends (like SQLite) that enforce them
// eagerly.
func AllModels() []interface{} {
	return []interface{}{
		&User{}, &AuthToken{}, &Session{},
		&Group{}, &GroupUser{},
		&Crate{}, &CrateMeta{}, &CrateIndex{},
		&Owner{}, &CrateUser{}, &CrateGroup{},
		&Author{}, &Keyword{}, &Category{},
		&CrateAuthorToCrate{}, &CrateKeywordToCrate{}, &CrateCategoryToCrate{},
		&CratesIoCrate{}, &CratesIoIndex{}, &CratesIoMeta{},
		&DocQueue{},
		&Webhook{}, &WebhookQueue{},
		&Toolchain{}, &ToolchainTarget{},
		&OAuth2Identity{}, &OAuth2State{},
	}
}
