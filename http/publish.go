package http

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"regexp"

	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/indexcodec"
	"github.com/kellnr/kellnr/kellnrerr"
)

// maxMetadataLen bounds the JSON segment of a publish body; crate
// tarball size is bounded by the server's body limit instead.
const maxMetadataLen = 10 << 20

// PublishDependency is one dependency as the publish wire format names
// it; the field names differ from the index format and are mapped in
// toIndexDependency.
type PublishDependency struct {
	Name               string   `json:"name"`
	VersionReq         string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	Registry           *string  `json:"registry"`
	ExplicitNameInToml *string  `json:"explicit_name_in_toml"`
}

// PublishMetadata is the JSON segment of a publish request body.
type PublishMetadata struct {
	Name          string              `json:"name"`
	Vers          string              `json:"vers"`
	Deps          []PublishDependency `json:"deps"`
	Features      map[string][]string `json:"features"`
	Authors       []string            `json:"authors"`
	Description   string              `json:"description"`
	Documentation string              `json:"documentation"`
	Homepage      string              `json:"homepage"`
	Readme        string              `json:"readme"`
	ReadmeFile    string              `json:"readme_file"`
	Keywords      []string            `json:"keywords"`
	Categories    []string            `json:"categories"`
	License       string              `json:"license"`
	LicenseFile   string              `json:"license_file"`
	Repository    string              `json:"repository"`
	Links         string              `json:"links"`
}

// PublishRequest is a fully parsed publish body: the metadata and the
// raw crate bytes.
type PublishRequest struct {
	Metadata PublishMetadata
	Data     []byte
}

// ParsePublishBody reads the framed publish wire format: a 4-byte
// little-endian length followed by the JSON metadata, then a 4-byte
// little-endian length followed by the crate bytes.
func ParsePublishBody(r io.Reader) (*PublishRequest, error) {
	metaBytes, err := readFrame(r, maxMetadataLen)
	if err != nil {
		return nil, kellnrerr.Validation("malformed publish body: metadata frame", err)
	}
	var meta PublishMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, kellnrerr.Validation("malformed publish metadata", err)
	}
	if err := validateCrateName(meta.Name); err != nil {
		return nil, err
	}
	if err := validateVersion(meta.Vers); err != nil {
		return nil, err
	}

	data, err := readFrame(r, 1<<31-1)
	if err != nil {
		return nil, kellnrerr.Validation("malformed publish body: crate frame", err)
	}
	if len(data) == 0 {
		return nil, kellnrerr.Validation("publish body carries no crate data", nil)
	}
	return &PublishRequest{Metadata: meta, Data: data}, nil
}

func readFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxLen {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

var crateNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// validateCrateName enforces the registry naming rules: leading letter,
// then letters, digits, hyphens, and underscores, at most 64 characters.
func validateCrateName(name string) error {
	if name == "" || len(name) > 64 || !crateNameRe.MatchString(name) {
		return kellnrerr.Validation(fmt.Sprintf("invalid crate name %q", name), nil)
	}
	return nil
}

var versionRe = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

func validateVersion(vers string) error {
	if !versionRe.MatchString(vers) {
		return kellnrerr.Validation(fmt.Sprintf("invalid version %q", vers), nil)
	}
	return nil
}

func toIndexDependency(d PublishDependency) indexcodec.Dependency {
	dep := indexcodec.Dependency{
		Name:            d.Name,
		Req:             d.VersionReq,
		Features:        d.Features,
		Optional:        d.Optional,
		DefaultFeatures: d.DefaultFeatures,
		Target:          d.Target,
		Kind:            d.Kind,
		Registry:        d.Registry,
	}
	if dep.Features == nil {
		dep.Features = []string{}
	}
	if dep.Kind == "" {
		dep.Kind = "normal"
	}
	// A renamed dependency publishes under its alias; the index keeps
	// the alias in "name" and the real crate in "package".
	if d.ExplicitNameInToml != nil && *d.ExplicitNameInToml != "" {
		real := dep.Name
		dep.Name = *d.ExplicitNameInToml
		dep.Package = &real
	}
	return dep
}

// ToCrateVersionData converts parsed metadata into the registry core's
// publish input, serializing deps and features the way the index codec
// stores them.
func (m PublishMetadata) ToCrateVersionData(cksum, actor string, actorIsAdmin bool) (db.CrateVersionData, error) {
	deps := make([]indexcodec.Dependency, 0, len(m.Deps))
	for _, d := range m.Deps {
		deps = append(deps, toIndexDependency(d))
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return db.CrateVersionData{}, fmt.Errorf("serialize deps: %w", err)
	}
	features := m.Features
	if features == nil {
		features = map[string][]string{}
	}
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return db.CrateVersionData{}, fmt.Errorf("serialize features: %w", err)
	}
	return db.CrateVersionData{
		Name:          m.Name,
		Version:       m.Vers,
		Description:   m.Description,
		Homepage:      m.Homepage,
		Repository:    m.Repository,
		Readme:        m.Readme,
		License:       m.License,
		LicenseFile:   m.LicenseFile,
		Documentation: m.Documentation,
		Checksum:      cksum,
		Deps:          string(depsJSON),
		Features:      string(featuresJSON),
		Links:         m.Links,
		Authors:       m.Authors,
		Keywords:      m.Keywords,
		Categories:    m.Categories,
		Actor:         actor,
		ActorIsAdmin:  actorIsAdmin,
	}, nil
}
