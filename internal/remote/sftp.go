package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/sftp"
)

// Send copies each local path into the remote directory dstDir, keeping its
// base name. Directories are copied recursively with their file modes.
func (p *Pool) Send(ctx context.Context, hostID string, srcs []string, dstDir string) error {
	c, err := p.get(ctx, hostID)
	if err != nil {
		return err
	}
	for _, src := range srcs {
		if err := sendTree(ctx, c.sftp, src, path.Join(dstDir, filepath.Base(src))); err != nil {
			p.dropIfLost(hostID, c, err)
			return fmt.Errorf("send %s to %s:%s: %w", src, hostID, dstDir, err)
		}
	}
	return nil
}

func sendTree(ctx context.Context, sc *sftp.Client, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := path.Join(dst, filepath.ToSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := sc.MkdirAll(target); err != nil {
				return err
			}
			return sc.Chmod(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := sc.MkdirAll(path.Dir(target)); err != nil {
			return err
		}
		return sendFile(sc, p, target, info.Mode().Perm())
	})
}

func sendFile(sc *sftp.Client, src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := sc.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return sc.Chmod(dst, mode)
}

// Recv copies each remote path into the local directory dstDir, keeping its
// base name.
func (p *Pool) Recv(ctx context.Context, hostID string, srcs []string, dstDir string) error {
	c, err := p.get(ctx, hostID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dstDir, err)
	}
	for _, src := range srcs {
		if err := recvTree(ctx, c.sftp, src, filepath.Join(dstDir, path.Base(src))); err != nil {
			p.dropIfLost(hostID, c, err)
			return fmt.Errorf("recv %s:%s to %s: %w", hostID, src, dstDir, err)
		}
	}
	return nil
}

func recvTree(ctx context.Context, sc *sftp.Client, src, dst string) error {
	walker := sc.Walk(src)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), src), "/")
		target := filepath.Join(dst, filepath.FromSlash(rel))
		info := walker.Stat()
		if info.IsDir() {
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := recvFile(sc, walker.Path(), target, info.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}

func recvFile(sc *sftp.Client, src, dst string, mode fs.FileMode) error {
	in, err := sc.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// List returns the regular files below the remote directory dir as
// slash-separated paths relative to dir, sorted.
func (p *Pool) List(ctx context.Context, hostID, dir string) ([]string, error) {
	c, err := p.get(ctx, hostID)
	if err != nil {
		return nil, err
	}
	var files []string
	walker := c.sftp.Walk(dir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			p.dropIfLost(hostID, c, err)
			return nil, fmt.Errorf("list %s:%s: %w", hostID, dir, err)
		}
		if !walker.Stat().Mode().IsRegular() {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), dir), "/")
		files = append(files, rel)
	}
	sort.Strings(files)
	return files, nil
}

// RemoveAll deletes the remote directory dir and everything below it.
func (p *Pool) RemoveAll(ctx context.Context, hostID, dir string) error {
	c, err := p.get(ctx, hostID)
	if err != nil {
		return err
	}
	if err := removeTree(ctx, c.sftp, dir); err != nil {
		p.dropIfLost(hostID, c, err)
		return fmt.Errorf("remove %s:%s: %w", hostID, dir, err)
	}
	return nil
}

func removeTree(ctx context.Context, sc *sftp.Client, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := sc.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		child := path.Join(dir, e.Name())
		if e.IsDir() {
			if err := removeTree(ctx, sc, child); err != nil {
				return err
			}
			continue
		}
		if err := sc.Remove(child); err != nil {
			return err
		}
	}
	return sc.RemoveDirectory(dir)
}

// MkdirAll creates the remote directory dir and its parents. It returns when
// ctx is done even if the server has not answered yet.
func (p *Pool) MkdirAll(ctx context.Context, hostID, dir string) error {
	c, err := p.get(ctx, hostID)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- c.sftp.MkdirAll(dir) }()
	select {
	case err := <-done:
		if err != nil {
			p.dropIfLost(hostID, c, err)
			return fmt.Errorf("mkdir %s:%s: %w", hostID, dir, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mkdir %s:%s: %w", hostID, dir, ctx.Err())
	}
}

func (p *Pool) dropIfLost(hostID string, c *conn, err error) {
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, io.EOF) {
		p.logger.Warn("ssh connection lost", "host", hostID, "error", err)
		p.drop(hostID, c)
	}
}
