// Package remote maintains one persistent SSH connection per remote host and
// runs commands and file transfers over it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/seantiz/conduit/internal/host"
)

// Retry defaults for SSH connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 200 * time.Millisecond
	dialTimeout     = 30 * time.Second
)

// ErrUnknownHost is returned for host ids missing from the catalog.
var ErrUnknownHost = errors.New("unknown remote host")

// HostLookup resolves host ids to descriptors.
type HostLookup interface {
	Lookup(id string) (*host.Descriptor, bool)
}

type conn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (c *conn) close() error {
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
	}
	errs = append(errs, c.ssh.Close())
	return errors.Join(errs...)
}

// Pool holds lazily dialed connections keyed by host id. It is safe for
// concurrent use; many sessions are multiplexed over one connection.
type Pool struct {
	hosts          HostLookup
	knownHostsPath string
	logger         *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewPool creates an empty pool. knownHostsPath is used for host key
// verification unless a host opts out explicitly.
func NewPool(hosts HostLookup, knownHostsPath string, logger *slog.Logger) *Pool {
	return &Pool{
		hosts:          hosts,
		knownHostsPath: knownHostsPath,
		logger:         logger,
		conns:          make(map[string]*conn),
	}
}

func (p *Pool) get(ctx context.Context, hostID string) (*conn, error) {
	p.mu.Lock()
	c, ok := p.conns[hostID]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	desc, ok := p.hosts.Lookup(hostID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, hostID)
	}

	c, err := p.dial(ctx, desc)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[hostID]; ok {
		c.close()
		return existing, nil
	}
	p.conns[hostID] = c
	p.logger.Info("ssh connection established", "host", hostID, "addr", desc.Addr())
	return c, nil
}

// drop discards a connection that failed so the next call redials.
func (p *Pool) drop(hostID string, c *conn) {
	p.mu.Lock()
	if p.conns[hostID] == c {
		delete(p.conns, hostID)
	}
	p.mu.Unlock()
	c.close()
}

// dial connects to the host, retrying with exponential backoff.
func (p *Pool) dial(ctx context.Context, desc *host.Descriptor) (*conn, error) {
	cfg, err := p.clientConfig(desc)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", desc.ID, ctx.Err())
		default:
		}

		client, err := dialSSH(ctx, desc.Addr(), cfg)
		if err != nil {
			lastErr = err
			p.logger.Warn("ssh dial failed", "host", desc.ID, "attempt", attempt+1, "error", err)
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial %s: %w", desc.ID, ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		sc, err := sftp.NewClient(client)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("open sftp on %s: %w", desc.ID, err)
		}
		return &conn{ssh: client, sftp: sc}, nil
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %w", desc.ID, dialMaxRetries, lastErr)
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return ssh.NewClient(cc, chans, reqs), nil
}

func (p *Pool) clientConfig(desc *host.Descriptor) (*ssh.ClientConfig, error) {
	auth, err := authMethods(desc)
	if err != nil {
		return nil, err
	}
	cb, err := p.hostKeyCallback(desc)
	if err != nil {
		return nil, err
	}
	user := desc.Username
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: cb,
		Timeout:         dialTimeout,
	}, nil
}

func (p *Pool) hostKeyCallback(desc *host.Descriptor) (ssh.HostKeyCallback, error) {
	if desc.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if p.knownHostsPath == "" {
		return nil, fmt.Errorf("host %s: no known_hosts file configured", desc.ID)
	}
	cb, err := knownhosts.New(p.knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// authMethods uses the host's key file when set, otherwise the running
// ssh-agent.
func authMethods(desc *host.Descriptor) ([]ssh.AuthMethod, error) {
	if desc.KeyFile != "" {
		raw, err := os.ReadFile(desc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file for %s: %w", desc.ID, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse key file for %s: %w", desc.ID, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("host %s: no key file and no ssh-agent", desc.ID)
	}
	ac, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connect ssh-agent: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(ac).Signers)}, nil
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for id, c := range p.conns {
		errs = append(errs, c.close())
		delete(p.conns, id)
	}
	return errors.Join(errs...)
}
