package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"reproserver/internal/db"
	"reproserver/internal/domain"
	"reproserver/internal/logging"
	"reproserver/internal/objstore"
	"reproserver/internal/provider"
	"reproserver/internal/queue"
	"reproserver/internal/repo"
	"reproserver/internal/shortid"
)

// LogStore keeps the build and run logs. Lines are numbered from 0 in the
// order they were appended and a read from line n returns a stable suffix.
type LogStore interface {
	Append(ctx context.Context, s repo.LogStream, ts string, lines []string) error
	Read(ctx context.Context, s repo.LogStream, from int) ([]domain.LogLine, error)
	Truncate(ctx context.Context, q repo.Queryer, s repo.LogStream) error
}

// Engine is the experiment and run orchestrator. It holds every handle an
// operation needs; nothing is shared through package state.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Logs      LogStore
	Outbox    queue.Outbox
	Objects   objstore.Store
	IDs       *shortid.Codec
	Providers provider.Registry
	Staging   string
	Log       *log.Logger
	Now       func() time.Time

	// links orders "store bytes, then record the row" against the sweep and
	// purge deletes within this process.
	links *sync.RWMutex
}

type Options struct {
	Objects   objstore.Store
	IDs       *shortid.Codec
	Providers provider.Registry
	Staging   string
	Log       *log.Logger
}

func New(conn *sql.DB, dialect db.Dialect, opts Options) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	e := Engine{
		DB:        conn,
		Repo:      r,
		Logs:      repo.Logs{Repo: r},
		Outbox:    queue.Outbox{Repo: r},
		Objects:   opts.Objects,
		IDs:       opts.IDs,
		Providers: opts.Providers,
		Staging:   opts.Staging,
		Log:       opts.Log,
		Now:       time.Now,
		links:     &sync.RWMutex{},
	}
	if e.Staging == "" {
		e.Staging = filepath.Join(os.TempDir(), "reproserver-staging")
	}
	if e.Log == nil {
		e.Log = logging.Discard()
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// linkObjects is held while stored objects are being tied to rows.
func (e Engine) linkObjects() func() {
	if e.links == nil {
		return func() {}
	}
	e.links.RLock()
	return e.links.RUnlock
}

// unlinkObjects is held while an object is checked for references and deleted.
func (e Engine) unlinkObjects() func() {
	if e.links == nil {
		return func() {}
	}
	e.links.Lock()
	return e.links.Unlock
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) uploadToken(u domain.Upload) (domain.Upload, error) {
	tok, err := e.IDs.Encode(shortid.KindUpload, u.ID)
	if err != nil {
		return u, err
	}
	u.Token = tok
	return u, nil
}

func (e Engine) runToken(r domain.Run) (domain.Run, error) {
	tok, err := e.IDs.Encode(shortid.KindRun, r.ID)
	if err != nil {
		return r, err
	}
	r.Token = tok
	return r, nil
}

// decodeToken maps malformed tokens to ErrNotFound; callers cannot tell a
// forged token from a deleted row.
func (e Engine) decodeToken(kind, token string) (int64, error) {
	id, err := e.IDs.Decode(kind, token)
	if errors.Is(err, domain.ErrInvalidToken) {
		return 0, fmt.Errorf("%s %q: %w", kind, token, domain.ErrNotFound)
	}
	return id, err
}
