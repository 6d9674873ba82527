// Package app assembles a running reproserver from its configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/labstack/gommon/log"

	"reproserver/internal/config"
	"reproserver/internal/db"
	"reproserver/internal/domain"
	"reproserver/internal/engine"
	"reproserver/internal/housekeeping"
	"reproserver/internal/logging"
	"reproserver/internal/migrate"
	"reproserver/internal/objstore"
	"reproserver/internal/provider"
	"reproserver/internal/queue"
	"reproserver/internal/shortid"
)

// Attempts made to reach the broker before Open gives up.
const amqpDialAttempts = 8

// App holds every handle of a configured server. Relay is nil when tasks are
// only handed out through the worker API.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	Objects objstore.Store
	Relay   *queue.Relay
	Log     *log.Logger

	closers []io.Closer
}

type Options struct {
	// Serving requires the worker token secret on top of the short-id salt.
	Serving bool
	// Migrate applies pending migrations after connecting.
	Migrate bool
	Log     *log.Logger
}

// Open connects the database, object store and task gateway described by cfg.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.RequireSecrets(opts.Serving); err != nil {
		return nil, err
	}
	logger := opts.Log
	if logger == nil {
		logger = logging.New("reproserver", cfg.Log.Level)
	}
	a := &App{Config: cfg, Log: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, Path: cfg.Database.Path, URL: cfg.Database.URL})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB, a.Dialect = conn, dialect
	a.closers = append(a.closers, conn)
	if opts.Migrate {
		n, err := migrate.Migrate(conn, dialect)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if n > 0 {
			logger.Infof("applied %d migrations", n)
		}
	}

	if a.Objects, err = openObjects(ctx, cfg); err != nil {
		return nil, err
	}
	ids, err := shortid.New(cfg.ShortIDs.Salt)
	if err != nil {
		return nil, err
	}
	a.Engine = engine.New(conn, dialect, engine.Options{
		Objects: a.Objects,
		IDs:     ids,
		Providers: provider.Default(provider.Config{
			OSFURL:      cfg.Providers.OSF.APIURL,
			FigshareURL: cfg.Providers.Figshare.APIURL,
			Timeout:     cfg.Providers.Timeout,
		}),
		Staging: cfg.StagingDir(),
		Log:     logger,
	})

	gateway, err := a.openGateway(ctx)
	if err != nil {
		return nil, err
	}
	if gateway != nil {
		a.Relay = queue.NewRelay(a.Engine.Outbox, gateway, cfg.Queue.RelayBatch, logger)
	}
	ok = true
	return a, nil
}

func openObjects(ctx context.Context, cfg *config.Config) (objstore.Store, error) {
	switch cfg.Objects.Kind {
	case "s3":
		s3 := cfg.Objects.S3
		store, err := objstore.NewS3(objstore.S3Config{
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Region:    s3.Region,
			UseSSL:    s3.UseSSL,
			Prefix:    s3.Prefix,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBuckets(ctx, domain.BucketExperiments, domain.BucketInputs, domain.BucketOutputs); err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := objstore.NewFS(cfg.Objects.Root)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func (a *App) openGateway(ctx context.Context) (queue.Gateway, error) {
	q := a.Config.Queue
	switch q.Gateway {
	case "amqp":
		g, err := queue.DialAMQP(ctx, q.AMQPURL, amqpDialAttempts)
		if err != nil {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
		a.closers = append(a.closers, g)
		return g, nil
	case "webhook":
		return queue.Webhook{URL: q.WebhookURL, Secret: a.Config.Auth.JWTSecret}, nil
	default:
		return nil, nil
	}
}

// Sweeper returns the housekeeping jobs for this server.
func (a *App) Sweeper() *housekeeping.Sweeper {
	var relay housekeeping.Relayer
	if a.Relay != nil {
		relay = a.Relay
	}
	h := a.Config.Housekeeping
	return housekeeping.NewSweeper(relay, a.Engine, housekeeping.Config{
		RelayInterval: a.Config.Queue.RelayInterval,
		SweepInterval: h.Interval,
		OrphanGrace:   h.OrphanGrace,
		Retention:     h.Retention,
	}, a.Log)
}

// Close releases the gateway and the database, in reverse order of opening.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
