// Package bernard synchronises the metadata of Google Drive Shared Drives
// to a local datastore.
//
// After every successful sync the datastore holds a point-in-time mirror of
// the Shared Drive's folders and files. A partial sync additionally reports
// the net difference between the previous and new state as a ChangeSet of
// added, removed and changed paths.
package bernard

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/m-rots/bernard/auth"
	ds "github.com/m-rots/bernard/datastore"
	"github.com/m-rots/bernard/datastore/sqlite"
)

// Authenticator represents any struct which can create an access token on
// demand.
type Authenticator interface {
	AccessToken() (string, int64, error)
}

// Bernard is a synchronisation backend for Google Drive Shared Drives.
type Bernard struct {
	safeSleep time.Duration

	fetch *fetcher
	store ds.Datastore
	log   Logger

	mu     sync.Mutex
	drives map[string]*sync.Mutex
}

// An Option can override some of the default Bernard values.
type Option func(*Bernard)

// WithClient allows one to override the default HTTP client.
func WithClient(client *http.Client) Option {
	return func(bernard *Bernard) {
		bernard.fetch.client = client
	}
}

// WithLogger provides a structured logger to the sync engine.
func WithLogger(log Logger) Option {
	return func(bernard *Bernard) {
		bernard.log = log
		bernard.fetch.log = log
	}
}

// WithSafeSleep allows one to sleep between the pageToken fetch and the full
// sync. Setting this between 1 and 5 minutes prevents any data from going
// rogue when changes are actively being made to the Shared Drive.
//
// The default value of safeSleep is set at 0.
func WithSafeSleep(duration time.Duration) Option {
	return func(bernard *Bernard) {
		bernard.safeSleep = duration
	}
}

// WithBaseURL overrides the Drive API base URL, for tests and proxies.
func WithBaseURL(baseURL string) Option {
	return func(bernard *Bernard) {
		bernard.fetch.baseURL = baseURL
	}
}

// New creates a new instance of Bernard on top of an existing datastore.
// Most callers should use NewBuilder instead.
func New(authenticator Authenticator, store ds.Datastore, opts ...Option) *Bernard {
	const baseURL string = "https://www.googleapis.com/drive/v3"

	log := NewNopLogger()

	fetch := &fetcher{
		auth:    authenticator,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		sleep:      time.Sleep,
		maxElapsed: 10 * time.Minute,
		log:        log,
	}

	bernard := &Bernard{
		fetch:  fetch,
		store:  store,
		log:    log,
		drives: make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(bernard)
	}

	return bernard
}

// Builder assembles a Bernard with its own SQLite datastore and
// service-account token source.
type Builder struct {
	databasePath string
	account      *auth.Account
	poolSize     int
	opts         []Option
}

// NewBuilder starts building a Bernard backed by the database at the given
// path, authenticating with the given service account.
func NewBuilder(databasePath string, account *auth.Account) *Builder {
	return &Builder{
		databasePath: databasePath,
		account:      account,
		poolSize:     4,
	}
}

// PoolSize bounds the datastore connection pool.
func (b *Builder) PoolSize(n int) *Builder {
	b.poolSize = n
	return b
}

// With appends engine options such as WithClient or WithLogger.
func (b *Builder) With(opts ...Option) *Builder {
	b.opts = append(b.opts, opts...)
	return b
}

// Build opens and migrates the database and returns the ready Bernard.
func (b *Builder) Build() (*Bernard, error) {
	store, err := sqlite.New(b.databasePath, sqlite.WithPoolSize(b.poolSize))
	if err != nil {
		return nil, err
	}

	service := auth.New(b.account)

	return New(service, store, b.opts...), nil
}

// Close closes the datastore, flushing the WAL/SHM sidecar files.
func (b *Bernard) Close() error {
	return b.store.Close()
}

// SyncKind distinguishes a full bootstrap from an incremental sync.
type SyncKind int

const (
	// KindFull is a complete re-enumeration of the drive. It carries no
	// change set: a full sync is by definition not a delta.
	KindFull SyncKind = iota + 1

	// KindPartial is an incremental application of the change feed.
	KindPartial
)

// SyncResult is the outcome of SyncDrive. Changes is nil when Kind is
// KindFull.
type SyncResult struct {
	Kind    SyncKind
	Changes *ChangeSet
}

// SyncDrive synchronises one Shared Drive to the datastore.
//
// A drive without a completed full sync is bootstrapped with a full
// enumeration; otherwise the change feed is applied incrementally and the
// result carries a ChangeSet describing the delta.
//
// Syncs of the same drive are serialised; different drives may sync
// concurrently.
func (b *Bernard) SyncDrive(ctx context.Context, driveID string) (*SyncResult, error) {
	unlock := b.lockDrive(driveID)
	defer unlock()

	// Clear the changelog up front so the post-sync state reflects only
	// this run.
	if err := b.store.ClearChangelog(ctx, driveID); err != nil {
		return nil, err
	}

	pageToken, err := b.store.PageToken(ctx, driveID)
	switch {
	case errors.Is(err, ds.ErrFullSync):
		b.log.Info("starting full synchronisation", "drive", driveID)

		if err := b.fullSync(ctx, driveID); err != nil {
			return nil, err
		}

		return &SyncResult{Kind: KindFull}, nil
	case err != nil:
		return nil, err
	default:
		b.log.Info("starting partial synchronisation", "drive", driveID)

		if err := b.partialSync(ctx, driveID, pageToken); err != nil {
			return nil, err
		}

		changes := &ChangeSet{DriveID: driveID, store: b.store}
		return &SyncResult{Kind: KindPartial, Changes: changes}, nil
	}
}

// RemoveDrive removes the drive and all of its content from the datastore.
func (b *Bernard) RemoveDrive(ctx context.Context, driveID string) error {
	unlock := b.lockDrive(driveID)
	defer unlock()

	return b.store.RemoveDrive(ctx, driveID)
}

// lockDrive serialises syncs per drive ID.
func (b *Bernard) lockDrive(driveID string) (unlock func()) {
	b.mu.Lock()
	lock, ok := b.drives[driveID]
	if !ok {
		lock = new(sync.Mutex)
		b.drives[driveID] = lock
	}
	b.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ErrInvalidCredentials occurs when the Google Drive API rejects the access
// token with HTTP 401, as it does for an invalid or expired token. A 403
// response other than a rate limit surfaces as ErrNetwork instead.
var ErrInvalidCredentials = errors.New("bernard: invalid credentials")

// ErrNotFound only occurs when the provided auth does not have access to the
// Shared Drive or if the Shared Drive does not exist.
var ErrNotFound = errors.New("bernard: cannot find Shared Drive")

// ErrNetwork is the result of a networking error while contacting the Google
// Drive API, including retries exhausted on transient failures.
var ErrNetwork = errors.New("bernard: network related error")

// ErrMalformed occurs when a response of the Google Drive API cannot be
// decoded into the expected shape.
var ErrMalformed = errors.New("bernard: malformed API response")
