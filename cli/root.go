// Package cli is the kellnr entrypoint: configuration loading, service
// wiring, and the server lifecycle. Configuration precedence is flags,
// then environment variables (KELLNR_ prefix), then the config file,
// then defaults.
package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kellnr/kellnr/auth"
	"github.com/kellnr/kellnr/blobstore"
	"github.com/kellnr/kellnr/common"
	"github.com/kellnr/kellnr/config"
	"github.com/kellnr/kellnr/db"
	khttp "github.com/kellnr/kellnr/http"
	"github.com/kellnr/kellnr/kellnrerr"
	"github.com/kellnr/kellnr/queue"
	"github.com/kellnr/kellnr/toolchain"
	"github.com/kellnr/kellnr/version"
	"github.com/kellnr/kellnr/webhook"
)

var cfgFile string

// RootCmd runs the registry server.
var RootCmd = &cobra.Command{
	Use:   "kellnr",
	Short: "a self-hosted private crate registry with crates.io proxying",
	Long: `Kellnr is a self-hosted private registry for Rust crates.

It hosts your private crates behind the standard cargo protocol,
transparently proxies and caches crates.io, distributes toolchains to
rustup, and delivers registry events to registered webhooks.

Configuration is read from flags, KELLNR_* environment variables, and
a .kellnr.yaml file in the home or working directory.`,
	Version: version.Version,
	Run:     runServer,
}

// Execute runs the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kellnr.yaml)")
	RootCmd.PersistentFlags().String("data-dir", "", "base directory for blobs and the embedded database")
	RootCmd.PersistentFlags().Int("port", 0, "HTTP port to listen on")
	RootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	_ = viper.BindPFlag("data_dir", RootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("log_level", RootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", RootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".kellnr")
	}

	viper.SetEnvPrefix("KELLNR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		common.Logger.WithField("file", viper.ConfigFileUsed()).Info("using config file")
	}
}

func runServer(cmd *cobra.Command, args []string) {
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		common.Logger.WithError(err).Fatal("invalid configuration")
	}
	common.ConfigureLogger(common.LoggerConfig{
		Level:  common.LogLevel(settings.LogLevel),
		Format: settings.LogFormat,
	})
	log := common.ComponentLogger("kellnr")
	log.WithField("version", version.Version).Info("starting")

	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create data directory")
	}

	// Database.
	connectCfg := db.DefaultConnectConfig(settings.DataDir)
	if settings.Postgresql.Enabled {
		connectCfg = db.ConnectConfig{
			Backend:         db.BackendPostgres,
			PgAddress:       settings.Postgresql.Address,
			PgPort:          settings.Postgresql.Port,
			PgUser:          settings.Postgresql.User,
			PgPwd:           settings.Postgresql.Pwd,
			PgDb:            settings.Postgresql.Db,
			MaxIdleConns:    2,
			MaxOpenConns:    10,
			ConnMaxLifetime: time.Hour,
		}
		log.WithField("address", settings.Postgresql.Address).
			WithField("pwd", common.MaskSecret(settings.Postgresql.Pwd)).
			Info("using postgresql backend")
	} else {
		connectCfg.SqlitePath = settings.Sqlite.Path
		log.WithField("path", settings.Sqlite.Path).Info("using sqlite backend")
	}
	gdb, err := db.Connect(connectCfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect database")
	}
	provider := db.NewGormProvider(gdb, db.RegistryConfig{
		AllowOwnerlessCrates: settings.AllowOwnerlessCrates,
		NewCratesRestricted:  settings.NewCratesRestricted,
		RequiredCrateFields:  settings.RequiredCrateFields,
		DocsEnabled:          settings.Docs.Enabled,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedAdminUser(ctx, provider); err != nil {
		log.WithError(err).Fatal("failed to seed admin user")
	}

	// Blob storage.
	var blobs interface {
		blobstore.Store
		blobstore.ArchiveStore
	}
	if settings.S3.Enabled {
		s3Store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:  settings.S3.Endpoint,
			Region:    settings.S3.Region,
			AccessKey: settings.S3.AccessKey,
			SecretKey: settings.S3.SecretKey,
			Bucket:    settings.S3.Bucket,
		})
		if err != nil {
			log.WithError(err).Fatal("failed to set up s3 blob store")
		}
		blobs = s3Store
		log.WithField("bucket", settings.S3.Bucket).Info("using s3 blob store")
	} else {
		fsStore, err := blobstore.NewFsStore(settings.DataDir + "/crates")
		if err != nil {
			log.WithError(err).Fatal("failed to set up filesystem blob store")
		}
		blobs = fsStore
	}

	// Auth, sessions, and the optional integrations.
	var redisClient *redis.Client
	if settings.Redis.Enabled {
		opts, err := redis.ParseURL(settings.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("invalid redis url")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}
	states := auth.NewStateStore(provider, redisClient)
	authSvc := auth.NewService(provider, auth.NewCookieJar())
	authSvc.AuthRequired = settings.AuthRequired

	var oidcProvider *auth.OIDCProvider
	if settings.Oidc.Enabled {
		oidcProvider, err = auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			ProviderURL:  settings.Oidc.ProviderURL,
			ClientID:     settings.Oidc.ClientID,
			ClientSecret: settings.Oidc.ClientSecret,
			RedirectURL:  settings.Oidc.RedirectURL,
		}, provider, states)
		if err != nil {
			log.WithError(err).Fatal("failed to set up oidc provider")
		}
	}

	var docsNotifier *queue.DocsNotifier
	if settings.Amqp.Enabled {
		docsNotifier, err = queue.NewDocsNotifier(settings.Amqp.URL, settings.Amqp.Queue)
		if err != nil {
			log.WithError(err).Fatal("failed to connect AMQP broker")
		}
		defer docsNotifier.Close()
	}

	// Background workers: webhook delivery and session/state sweeping.
	dispatcher := webhook.NewDispatcher(provider)
	go dispatcher.Run(ctx)
	go runHousekeeping(ctx, provider, states, settings.SessionAgeSeconds)

	// HTTP surface.
	serverCfg := khttp.DefaultServerConfig()
	serverCfg.Port = settings.Port
	e := khttp.NewEchoServer(serverCfg)
	khttp.RegisterRoutes(e, khttp.RouterDeps{
		DB:         provider,
		Blobs:      blobs,
		Auth:       authSvc,
		Toolchains: toolchain.NewService(provider, blobs, settings.Origin.URL()),
		Docs:       docsNotifier,
		Oidc:       oidcProvider,
		Settings:   settings,
	})

	if err := khttp.StartServer(ctx, e, serverCfg); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

// seedAdminUser guarantees the "admin" account exists after
// initialization. A fresh install gets the default password, which the
// admin is expected to change on first login.
func seedAdminUser(ctx context.Context, provider db.DbProvider) error {
	_, err := provider.GetUserByName(ctx, "admin")
	if err == nil {
		return nil
	}
	if !kellnrerr.Is(err, kellnrerr.KindNotFound) {
		return err
	}
	salt, err := auth.GenerateSalt()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword("admin", salt)
	if err != nil {
		return err
	}
	if _, err := provider.AddUser(ctx, "admin", hash, salt, true); err != nil {
		return err
	}
	common.Logger.Warn(`created default admin user "admin"; change its password`)
	return nil
}

// runHousekeeping sweeps expired sessions and stale OAuth2 states.
func runHousekeeping(ctx context.Context, provider db.DbProvider, states *auth.StateStore, sessionAgeSeconds int64) {
	log := common.ComponentLogger("housekeeping")
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := provider.CleanupSessions(ctx, sessionAgeSeconds); err != nil {
				log.WithError(err).Error("session sweep failed")
			} else if n > 0 {
				log.WithField("swept", n).Info("swept expired sessions")
			}
			if n, err := states.Sweep(ctx); err != nil {
				log.WithError(err).Error("oauth2 state sweep failed")
			} else if n > 0 {
				log.WithField("swept", n).Info("swept stale oauth2 states")
			}
		}
	}
}
