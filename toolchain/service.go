package toolchain

import (
	"context"

	"github.com/kellnr/kellnr/blobstore"
	"github.com/kellnr/kellnr/common"
	"github.com/kellnr/kellnr/db"
	"github.com/kellnr/kellnr/kellnrerr"
)

// Service coordinates the toolchain tables with the archive store and
// the manifest renderer.
type Service struct {
	provider db.DbProvider
	archives blobstore.ArchiveStore
	origin   string
}

// NewService wires the distributor. origin is the registry's external
// base URL, used in manifest download links.
func NewService(provider db.DbProvider, archives blobstore.ArchiveStore, origin string) *Service {
	return &Service{provider: provider, archives: archives, origin: origin}
}

// Add registers a new toolchain build.
func (s *Service) Add(ctx context.Context, name, version, date string) (int64, error) {
	if _, err := s.provider.GetToolchainByNameVersion(ctx, name, version); err == nil {
		return 0, kellnrerr.Conflict("toolchain version already exists", nil)
	} else if !kellnrerr.Is(err, kellnrerr.KindNotFound) {
		return 0, err
	}
	return s.provider.AddToolchain(ctx, name, version, date)
}

// AddTarget stores a target's archive and records it on the toolchain.
// The archive is written before the row insert; a failed insert
// compensates by deleting the archive, mirroring the crate publish
// pipeline.
func (s *Service) AddTarget(ctx context.Context, name, version, target string, data []byte) error {
	t, err := s.provider.GetToolchainByNameVersion(ctx, name, version)
	if err != nil {
		return err
	}
	for _, existing := range t.Targets {
		if existing.Target == target {
			return kellnrerr.Conflict("toolchain target already exists", nil)
		}
	}
	filename := archiveFilename(name, version, target)
	hash, size, err := s.archives.PutArchive(ctx, t.Date, filename, data)
	if err != nil {
		return err
	}
	storagePath := StoragePath(t.Date, name, version, target)
	if err := s.provider.AddToolchainTarget(ctx, t.ID, target, storagePath, hash, size); err != nil {
		if delErr := s.archives.DeleteArchive(ctx, t.Date, filename); delErr != nil {
			common.Logger.WithError(delErr).WithField("path", storagePath).
				Error("failed to delete archive after target insert failure")
		}
		return err
	}
	return nil
}

// DeleteTarget removes a target row and its archive. The row goes
// first; an orphan archive left behind by a failed archive delete is
// logged, never retried.
func (s *Service) DeleteTarget(ctx context.Context, name, version, target string) error {
	t, err := s.provider.GetToolchainByNameVersion(ctx, name, version)
	if err != nil {
		return err
	}
	if err := s.provider.DeleteToolchainTarget(ctx, t.ID, target); err != nil {
		return err
	}
	filename := archiveFilename(name, version, target)
	if err := s.archives.DeleteArchive(ctx, t.Date, filename); err != nil {
		common.Logger.WithError(err).WithField("date", t.Date).WithField("filename", filename).
			Error("orphan toolchain archive left behind")
	}
	return nil
}

// SetChannel points a channel at the (name, version) build, displacing
// any previous holder.
func (s *Service) SetChannel(ctx context.Context, channel, name, version string) error {
	t, err := s.provider.GetToolchainByNameVersion(ctx, name, version)
	if err != nil {
		return err
	}
	return s.provider.SetChannel(ctx, t.ID, channel)
}

// ManifestForChannel renders the channel manifest for the current
// holder of (name, channel).
func (s *Service) ManifestForChannel(ctx context.Context, name, channel string) (string, error) {
	t, err := s.provider.GetToolchainByChannel(ctx, name, channel)
	if err != nil {
		return "", err
	}
	return Manifest(t, s.origin), nil
}

// Archive returns the raw archive bytes for a dist download.
func (s *Service) Archive(ctx context.Context, date, filename string) ([]byte, error) {
	return s.archives.GetArchive(ctx, date, filename)
}

// List returns every build of a toolchain, newest date first.
func (s *Service) List(ctx context.Context, name string) ([]db.Toolchain, error) {
	return s.provider.ListToolchains(ctx, name)
}

// Channels returns the channels currently assigned for a toolchain.
func (s *Service) Channels(ctx context.Context, name string) ([]string, error) {
	return s.provider.GetChannels(ctx, name)
}
