package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	pkgsftp "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/3leaps/goingest/pkg/provider"
)

// Provider implements provider.Provider for an SFTP server.
//
// A single SSH session is shared by all callers. The session is dialed
// lazily and re-dialed after a connection-level failure.
type Provider struct {
	cfg  Config
	auth []ssh.AuthMethod
	host ssh.HostKeyCallback

	// dial overrides the SSH dial; tests use it to attach an in-process server.
	dial func(ctx context.Context) (*pkgsftp.Client, error)

	mu   sync.Mutex
	conn *ssh.Client
	sc   *pkgsftp.Client
}

// Ensure Provider implements the interfaces.
var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.ObjectGetter  = (*Provider)(nil)
	_ provider.ObjectPutter  = (*Provider)(nil)
	_ provider.ObjectDeleter = (*Provider)(nil)
)

// New creates an SFTP provider. No connection is made until first use.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if strings.TrimSpace(cfg.BaseDir) == "" {
		cfg.BaseDir = "/"
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderSFTP, Bucket: cfg.Host, Err: err}
	}

	var hostCallback ssh.HostKeyCallback
	if cfg.InsecureIgnoreHostKey {
		// #nosec G106 -- explicit opt-in for local test servers
		hostCallback = ssh.InsecureIgnoreHostKey()
	} else {
		hostCallback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderSFTP, Bucket: cfg.Host, Err: fmt.Errorf("load known hosts: %w", err)}
		}
	}

	return &Provider{cfg: cfg, auth: auth, host: hostCallback}, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cfg.PrivateKey, []byte(cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cfg.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	return methods, nil
}

// client returns the live SFTP client, dialing if needed.
func (p *Provider) client(ctx context.Context) (*pkgsftp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sc != nil {
		return p.sc, nil
	}
	if p.dial != nil {
		sc, err := p.dial(ctx)
		if err != nil {
			return nil, err
		}
		p.sc = sc
		return sc, nil
	}

	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            p.auth,
		HostKeyCallback: p.host,
		Timeout:         p.cfg.DialTimeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, sshCfg)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := ssh.NewClient(c, chans, reqs)

	sc, err := pkgsftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.conn = conn
	p.sc = sc
	return sc, nil
}

// reset drops the cached session so the next call re-dials.
func (p *Provider) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Provider) closeLocked() {
	if p.sc != nil {
		_ = p.sc.Close()
		p.sc = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// List returns files under the prefix, walking subdirectories.
//
// Keys are returned sorted. ContinuationToken is the last key of the
// previous page.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	sc, err := p.client(ctx)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	prefix := strings.TrimPrefix(opts.Prefix, "/")
	dir := prefix
	if !strings.HasSuffix(prefix, "/") {
		dir = path.Dir(prefix)
		if dir == "." {
			dir = ""
		}
	}

	var objects []provider.ObjectSummary
	if err := p.walk(ctx, sc, strings.TrimSuffix(dir, "/"), func(key string, fi os.FileInfo) {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, provider.ObjectSummary{Key: key, Size: fi.Size(), LastModified: fi.ModTime()})
		}
	}); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &provider.ListResult{}, nil
		}
		p.maybeReset(err)
		return nil, p.wrapError("List", opts.Prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	start := 0
	if opts.ContinuationToken != "" {
		start = sort.Search(len(objects), func(i int) bool { return objects[i].Key > opts.ContinuationToken })
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = p.cfg.MaxKeys
	}
	end := start + maxKeys
	if end > len(objects) {
		end = len(objects)
	}

	res := &provider.ListResult{Objects: objects[start:end]}
	if end < len(objects) {
		res.IsTruncated = true
		res.ContinuationToken = objects[end-1].Key
	}
	return res, nil
}

func (p *Provider) walk(ctx context.Context, sc *pkgsftp.Client, rel string, fn func(key string, fi os.FileInfo)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := sc.ReadDir(p.remotePath(rel))
	if err != nil {
		return err
	}
	for _, fi := range entries {
		key := fi.Name()
		if rel != "" {
			key = rel + "/" + fi.Name()
		}
		if fi.IsDir() {
			if err := p.walk(ctx, sc, key, fn); err != nil && !errors.Is(err, fs.ErrPermission) {
				return err
			}
			continue
		}
		if fi.Mode().IsRegular() {
			fn(key, fi)
		}
	}
	return nil
}

// Head returns metadata for a single file.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	sc, err := p.client(ctx)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	fi, err := sc.Stat(p.remotePath(key))
	if err != nil {
		p.maybeReset(err)
		return nil, p.wrapError("Head", key, err)
	}
	if fi.IsDir() {
		return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderSFTP, Bucket: p.cfg.Host, Key: key, Err: provider.ErrNotFound}
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: strings.TrimPrefix(key, "/"), Size: fi.Size(), LastModified: fi.ModTime()},
	}, nil
}

// GetObject opens a remote file for reading.
func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	sc, err := p.client(ctx)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := sc.Open(p.remotePath(key))
	if err != nil {
		p.maybeReset(err)
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return f, fi.Size(), nil
}

// PutObject writes a remote file via a temp name and rename.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_ = contentLength
	sc, err := p.client(ctx)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	full := p.remotePath(key)
	if err := sc.MkdirAll(path.Dir(full)); err != nil {
		p.maybeReset(err)
		return p.wrapError("PutObject", key, err)
	}

	tmp := path.Join(path.Dir(full), ".goingest-put-"+path.Base(full))
	f, err := sc.Create(tmp)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if _, err := f.ReadFrom(body); err != nil {
		_ = f.Close()
		_ = sc.Remove(tmp)
		return p.wrapError("PutObject", key, err)
	}
	if err := f.Close(); err != nil {
		_ = sc.Remove(tmp)
		return p.wrapError("PutObject", key, err)
	}
	if err := sc.PosixRename(tmp, full); err != nil {
		_ = sc.Remove(tmp)
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

// DeleteObject removes a remote file. A missing file yields ErrNotFound.
func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	sc, err := p.client(ctx)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := sc.Remove(p.remotePath(key)); err != nil {
		p.maybeReset(err)
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// Close tears down the SSH session.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Provider) remotePath(key string) string {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	// Clean against "/" so keys cannot escape BaseDir.
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	return path.Join(p.cfg.BaseDir, clean)
}

// maybeReset drops the session after transport-level failures. File-level
// status errors leave the session intact.
func (p *Provider) maybeReset(err error) {
	var status *pkgsftp.StatusError
	if errors.As(err, &status) {
		return
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return
	}
	p.reset()
}

// wrapError converts SFTP and SSH errors to provider errors.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderSFTP, Bucket: p.cfg.Host, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
		return wrapped
	}

	var status *pkgsftp.StatusError
	switch {
	case errors.Is(err, os.ErrNotExist):
		wrapped.Err = provider.ErrNotFound
	case errors.Is(err, os.ErrPermission):
		wrapped.Err = provider.ErrAccessDenied
	case errors.As(err, &status) && status.FxCode() == pkgsftp.ErrSSHFxNoSuchFile:
		wrapped.Err = provider.ErrNotFound
	case errors.As(err, &status) && status.FxCode() == pkgsftp.ErrSSHFxPermissionDenied:
		wrapped.Err = provider.ErrAccessDenied
	case strings.Contains(err.Error(), "unable to authenticate"):
		wrapped.Err = provider.ErrInvalidCredentials
	case isNetError(err):
		wrapped.Err = fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	return wrapped
}

func isNetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, io.EOF)
}
