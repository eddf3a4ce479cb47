package decrypt

import (
	"context"
	"fmt"
	"path"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goingest/pkg/archive"
	"github.com/3leaps/goingest/pkg/discovery"
	"github.com/3leaps/goingest/pkg/remote"
)

// DefaultRequestTTL is how long a request may stay pending before
// ExpireStale fails it.
const DefaultRequestTTL = 120 * time.Minute

// Config configures a Coordinator.
type Config struct {
	Store   *RequestStore
	Remote  remote.FileStore
	Archive archive.Archive
	Gateway Gateway

	// AppCode identifies this system to the decrypt service. Default: "URA".
	AppCode string

	// Modes selects sync or async decryption per agency. Default: ModeAsync.
	Modes map[string]Mode

	// ArchiveFolder prefixes every archive path. Optional.
	ArchiveFolder string

	Logger *zap.Logger

	// Now and NewID are test seams.
	Now   func() time.Time
	NewID func() string
}

// Resolution is the result of resolving one file.
type Resolution struct {
	// Plaintext is nil when Pending.
	Plaintext []byte

	// Pending is true when an async request was submitted.
	Pending bool

	// RequestID is set for async requests.
	RequestID string

	// ArchivePaths lists the archive copies written for this file.
	ArchivePaths []string
}

// Coordinator decides per file how to obtain plaintext and owns the decrypt
// request lifecycle.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	resumer Resumer
}

// NewCoordinator validates cfg and builds a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("decrypt request store is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if cfg.Archive == nil {
		return nil, fmt.Errorf("archive is required")
	}
	if cfg.AppCode == "" {
		cfg.AppCode = "URA"
	}
	for agency, mode := range cfg.Modes {
		switch mode {
		case ModeAsync:
			if cfg.Gateway == nil {
				return nil, fmt.Errorf("agency %s: async decrypt requires a gateway", agency)
			}
		case ModeSync:
			if _, ok := cfg.Gateway.(SyncDecrypter); !ok {
				return nil, fmt.Errorf("agency %s: sync decrypt requires a gateway with inline decryption", agency)
			}
		default:
			return nil, fmt.Errorf("agency %s: unknown decrypt mode %q", agency, mode)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Coordinator{cfg: cfg, logger: cfg.Logger}, nil
}

// SetResumer registers the component that continues processing once a
// callback delivers plaintext.
func (c *Coordinator) SetResumer(r Resumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumer = r
}

// Store returns the request store.
func (c *Coordinator) Store() *RequestStore {
	return c.cfg.Store
}

func (c *Coordinator) mode(agency string) Mode {
	if m, ok := c.cfg.Modes[agency]; ok {
		return m
	}
	return ModeAsync
}

// NewRequestID builds "{appCode}_REQ_{uuid}".
func (c *Coordinator) NewRequestID() string {
	return c.cfg.AppCode + "_REQ_" + c.cfg.NewID()
}

func (c *Coordinator) archivePath(agency string, date time.Time, name string) string {
	p := archive.DatedPath(agency, date, name)
	if c.cfg.ArchiveFolder != "" {
		p = path.Join(c.cfg.ArchiveFolder, p)
	}
	return p
}

func (c *Coordinator) upload(ctx context.Context, data []byte, p string) (archive.UploadResult, error) {
	res := c.cfg.Archive.Upload(ctx, data, p)
	if !res.Success {
		err := res.Err
		if err == nil {
			err = fmt.Errorf("archive upload to %s failed", p)
		}
		return res, err
	}
	return res, nil
}

// Resolve obtains the plaintext for f, or submits an async request.
//
// Every path archives what it downloaded before returning. Errors are
// *DecryptError and leave the remote file in place.
func (c *Coordinator) Resolve(ctx context.Context, f discovery.RemoteFile) (Resolution, error) {
	var res Resolution
	date := f.DiscoveredAt
	if date.IsZero() {
		date = c.cfg.Now()
	}

	data, err := c.cfg.Remote.Download(ctx, f.Path())
	if err != nil {
		return res, &DecryptError{Op: "download", File: f.Path(), Retryable: true, Err: err}
	}

	stored, err := c.upload(ctx, data, c.archivePath(f.Agency, date, f.Name))
	if err != nil {
		return res, &DecryptError{Op: "archive", File: f.Path(), Retryable: true, Err: err}
	}
	res.ArchivePaths = append(res.ArchivePaths, stored.Path)

	if f.Kind != discovery.KindEncrypted {
		res.Plaintext = data
		return res, nil
	}

	if c.mode(f.Agency) == ModeSync {
		dec := c.cfg.Gateway.(SyncDecrypter)
		plaintext, err := dec.Decrypt(ctx, c.cfg.AppCode, stored.URL, data)
		if err != nil {
			return res, &DecryptError{Op: "decrypt", File: f.Path(), Retryable: true, Err: err}
		}
		plain, err := c.upload(ctx, plaintext, c.archivePath(f.Agency, date, f.NormalizedName()))
		if err != nil {
			return res, &DecryptError{Op: "archive", File: f.Path(), Retryable: true, Err: err}
		}
		res.ArchivePaths = append(res.ArchivePaths, plain.Path)
		res.Plaintext = plaintext
		return res, nil
	}

	return c.submit(ctx, f, stored, res)
}

// submit persists a pending request and then calls the gateway, so that a
// callback racing the gateway response always finds its row.
func (c *Coordinator) submit(ctx context.Context, f discovery.RemoteFile, stored archive.UploadResult, res Resolution) (Resolution, error) {
	if c.cfg.Gateway == nil {
		return res, &DecryptError{Op: "request", File: f.Path(), Err: fmt.Errorf("no decrypt gateway configured")}
	}

	now := c.cfg.Now()
	req := Request{
		RequestID:   c.NewRequestID(),
		AppCode:     c.cfg.AppCode,
		Agency:      f.Agency,
		SourceFile:  f.Name,
		Directory:   f.Directory,
		GroupKey:    f.GroupKey,
		FileType:    f.FileType,
		AckOnly:     f.SkipsParse(),
		ArchiveURL:  stored.URL,
		SubmittedAt: now,
		UpdatedAt:   now,
		Status:      StatusPending,
	}
	if err := c.cfg.Store.Create(ctx, req); err != nil {
		return res, &DecryptError{Op: "request", File: f.Path(), RequestID: req.RequestID, Retryable: true, Err: err}
	}

	metadata := map[string]string{
		"agency":      f.Agency,
		"fileName":    f.Name,
		"groupKey":    f.GroupKey,
		"archivePath": stored.Path,
	}
	if err := c.cfg.Gateway.RequestDecrypt(ctx, c.cfg.AppCode, OperationDecrypt, stored.URL, metadata, req.RequestID); err != nil {
		if _, ferr := c.cfg.Store.Transition(ctx, req.RequestID, StatusPending, StatusFailed, err.Error()); ferr != nil {
			c.logger.Error("Failed to mark decrypt request failed",
				zap.String("request_id", req.RequestID), zap.Error(ferr))
		}
		return res, &DecryptError{Op: "request", File: f.Path(), RequestID: req.RequestID, Retryable: true, Err: err}
	}

	c.logger.Info("Submitted decrypt request",
		zap.String("request_id", req.RequestID),
		zap.String("agency", f.Agency),
		zap.String("file", f.Path()),
	)
	res.Pending = true
	res.RequestID = req.RequestID
	return res, nil
}

// OnDecryptCallback handles the service's answer for requestID.
//
// Unknown, duplicate and stale callbacks are no-ops. Only the first callback
// to move the request out of pending archives the plaintext and resumes the
// file. The request stays resuming, and the file claimed, until ResumeFile
// returns; a failed archive marks it failed so the next run requests the
// file again. Failures while resuming are recorded on the request and
// logged, never returned. The returned error covers request store failures
// only.
func (c *Coordinator) OnDecryptCallback(ctx context.Context, requestID string, plaintext []byte) error {
	req, err := c.cfg.Store.Get(ctx, requestID)
	if err != nil {
		if IsRequestNotFound(err) {
			c.logger.Warn("Ignoring callback for unknown decrypt request", zap.String("request_id", requestID))
			return nil
		}
		return err
	}
	if req.Status != StatusPending {
		c.logger.Info("Ignoring duplicate decrypt callback",
			zap.String("request_id", requestID), zap.String("status", string(req.Status)))
		return nil
	}

	won, err := c.cfg.Store.Transition(ctx, requestID, StatusPending, StatusResuming, "")
	if err != nil {
		return err
	}
	if !won {
		c.logger.Info("Decrypt request already resolved", zap.String("request_id", requestID))
		return nil
	}
	req.Status = StatusResuming

	stored, err := c.upload(ctx, plaintext, c.archivePath(req.Agency, req.SubmittedAt, normalizedName(req.SourceFile)))
	if err != nil {
		c.logger.Error("Failed to archive decrypted payload",
			zap.String("request_id", requestID), zap.String("file", req.SourcePath()), zap.Error(err))
		c.finish(ctx, requestID, StatusFailed, "archive: "+err.Error())
		return nil
	}
	c.logger.Debug("Archived decrypted payload", zap.String("request_id", requestID), zap.String("path", stored.Path))

	if err := c.resume(ctx, req, plaintext); err != nil {
		c.logger.Error("Failed to resume file after decrypt callback",
			zap.String("request_id", requestID), zap.String("file", req.SourcePath()), zap.Error(err))
		c.finish(ctx, requestID, StatusCompleted, err.Error())
		return nil
	}
	c.finish(ctx, requestID, StatusCompleted, "")
	return nil
}

// finish releases the claim held by a resuming request.
func (c *Coordinator) finish(ctx context.Context, requestID string, to Status, reason string) {
	// The callback's context may already be cancelled; the claim must still
	// be released.
	ctx = context.WithoutCancel(ctx)
	if _, err := c.cfg.Store.Transition(ctx, requestID, StatusResuming, to, reason); err != nil {
		c.logger.Error("Failed to release decrypt request",
			zap.String("request_id", requestID), zap.String("status", string(to)), zap.Error(err))
	}
}

// OnDecryptFailure marks a pending request failed with the service's reason.
func (c *Coordinator) OnDecryptFailure(ctx context.Context, requestID, reason string) error {
	if reason == "" {
		reason = "decrypt service reported failure"
	}
	changed, err := c.cfg.Store.Transition(ctx, requestID, StatusPending, StatusFailed, reason)
	if err != nil {
		return err
	}
	if !changed {
		c.logger.Info("Ignoring failure callback for resolved or unknown request", zap.String("request_id", requestID))
		return nil
	}
	c.logger.Warn("Decrypt request failed", zap.String("request_id", requestID), zap.String("reason", reason))
	return nil
}

func (c *Coordinator) resume(ctx context.Context, req Request, plaintext []byte) (err error) {
	c.mu.RLock()
	r := c.resumer
	c.mu.RUnlock()
	if r == nil {
		return fmt.Errorf("no resumer registered")
	}

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Recovered panic while resuming file",
				zap.String("request_id", req.RequestID), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.ResumeFile(ctx, req, plaintext)
}

// ExpireStale fails pending requests older than ttl, and resuming requests
// stuck for longer than ttl, with reason "timeout".
// A zero ttl uses DefaultRequestTTL.
func (c *Coordinator) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	n, err := c.cfg.Store.ExpirePending(ctx, c.cfg.Now().Add(-ttl), ReasonTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Warn("Expired stale decrypt requests", zap.Int64("count", n), zap.Duration("ttl", ttl))
	}
	return n, nil
}

// Stats summarises outstanding and resolved requests.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	return c.cfg.Store.Stats(ctx, c.cfg.Now())
}

func normalizedName(name string) string {
	return discovery.RemoteFile{Name: name}.NormalizedName()
}
