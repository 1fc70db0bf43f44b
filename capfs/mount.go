// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package capfs mounts a capability service as a FUSE filesystem.
// Every node delegates to the service's path-addressed operations, so
// the mount is a thin kernel-facing shim: writing a request to new/
// submits a job, and the files under jobs/ mirror live provider
// state. All synthetic files report size zero and are served with
// direct IO, since their content depends on when they are read.
package capfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/conduit-foundation/conduit/capability"
	"github.com/conduit-foundation/conduit/provider"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	// Created if it does not exist.
	Mountpoint string

	// Service is the capability dispatcher backing the mount.
	Service *capability.Service

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Mount mounts the capability filesystem at the configured
// mountpoint. The caller must call Unmount on the returned server
// when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{options: &options, path: ""}

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "conduit-cap",
			Name:       "conduit",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("capability filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// errnoFor maps service errors onto FUSE errnos.
func errnoFor(err error) syscall.Errno {
	var notFound *provider.NotFoundError
	var notTerminal *capability.NotTerminalError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, capability.ErrNotFound), errors.As(err, &notFound):
		return syscall.ENOENT
	case errors.Is(err, capability.ErrPermission):
		return syscall.EROFS
	case errors.As(err, &notTerminal):
		// Result read before the job terminated: retryable.
		return syscall.EAGAIN
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

func childPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// dirNode is a directory in the capability namespace.
type dirNode struct {
	gofuse.Inode
	options *Options
	path    string
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeMkdirer = (*dirNode)(nil)
var _ gofuse.NodeUnlinker = (*dirNode)(nil)
var _ gofuse.NodeRenamer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	path := childPath(d.path, name)
	info, err := d.options.Service.Stat(ctx, path)
	if err != nil {
		return nil, errnoFor(err)
	}

	if info.IsDir {
		child := d.NewInode(ctx, &dirNode{options: d.options, path: path},
			gofuse.StableAttr{Mode: syscall.S_IFDIR})
		out.Mode = syscall.S_IFDIR | 0o555
		return child, 0
	}

	node := &fileNode{options: d.options, path: path, writable: info.Writable}
	child := d.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = node.mode()
	return child, 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	listing, err := d.options.Service.Readdir(ctx, d.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	entries := make([]fuse.DirEntry, 0, len(listing))
	for _, entry := range listing {
		mode := uint32(syscall.S_IFREG)
		if entry.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: entry.Name, Mode: mode})
	}
	return &sliceDirStream{entries: entries}, 0
}

// The namespace structure is fixed: no creation, deletion, or
// renaming anywhere.

func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, errnoFor(d.options.Service.Mkdir(ctx, childPath(d.path, name)))
}

func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoFor(d.options.Service.Remove(ctx, childPath(d.path, name)))
}

func (d *dirNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return errnoFor(d.options.Service.Rename(ctx, childPath(d.path, name), newName))
}

// fileNode is a synthetic file. Size is always reported as zero:
// content is rendered per read, so handles are served with direct IO
// and consumers read to EOF.
type fileNode struct {
	gofuse.Inode
	options  *Options
	path     string
	writable bool
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) mode() uint32 {
	if f.writable {
		return syscall.S_IFREG | 0o644
	}
	return syscall.S_IFREG | 0o444
}

func (f *fileNode) Getattr(ctx context.Context, handle gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = f.mode()
	out.Size = 0
	return 0
}

// Setattr accepts truncation on writable files: O_TRUNC opens send
// SETATTR(size=0), and the write handles start empty anyway.
func (f *fileNode) Setattr(ctx context.Context, handle gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if _, ok := in.GetSize(); ok && !f.writable {
		return syscall.EROFS
	}
	out.Mode = f.mode()
	out.Size = 0
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if r, ok := streamRoute(f.path); ok {
		watch, err := f.options.Service.Watch(ctx, r)
		if err != nil {
			return nil, 0, errnoFor(err)
		}
		return &streamFileHandle{watch: watch}, fuse.FOPEN_DIRECT_IO, 0
	}

	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 && !f.writable {
		return nil, 0, syscall.EROFS
	}

	handle, err := f.options.Service.Open(ctx, f.path)
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	return &serviceFileHandle{handle: handle, logger: f.options.Logger, path: f.path},
		fuse.FOPEN_DIRECT_IO, 0
}

// streamRoute reports whether path is a job stream path.
func streamRoute(path string) (string, bool) {
	if strings.HasPrefix(path, "jobs/") && strings.HasSuffix(path, "/stream") {
		return path, true
	}
	return "", false
}

// serviceFileHandle adapts a capability handle to FUSE.
type serviceFileHandle struct {
	handle capability.Handle
	logger *slog.Logger
	path   string
}

var _ gofuse.FileReader = (*serviceFileHandle)(nil)
var _ gofuse.FileWriter = (*serviceFileHandle)(nil)
var _ gofuse.FileFlusher = (*serviceFileHandle)(nil)
var _ gofuse.FileReleaser = (*serviceFileHandle)(nil)

func (h *serviceFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.handle.ReadAt(ctx, dest, off)
	if err != nil && err != io.EOF {
		h.logger.Warn("read failed", "path", h.path, "error", err)
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *serviceFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.handle.WriteAt(ctx, data, off)
	if err != nil {
		h.logger.Warn("write failed", "path", h.path, "error", err)
		return 0, errnoFor(err)
	}
	return uint32(n), 0
}

// Flush runs the handle's commit step. For the submission file this
// is where admission, budget reservation, and the provider call
// happen, so errors from the whole pipeline surface here as the close
// result.
func (h *serviceFileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := h.handle.Flush(ctx); err != nil {
		h.logger.Warn("flush failed", "path", h.path, "error", err)
		return errnoFor(err)
	}
	return 0
}

func (h *serviceFileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoFor(h.handle.Close(ctx))
}

// streamFileHandle serves a job's output stream. Read offset is
// ignored: each read returns the next slice of stream data, and a
// zero-length read signals end of stream. A chunk larger than the
// kernel's read buffer is carried over, so following reads drain the
// remainder before the next chunk is pulled. Direct IO keeps the
// kernel from caching or coalescing these reads.
type streamFileHandle struct {
	watch *capability.WatchHandle

	mu      sync.Mutex
	pending []byte
}

var _ gofuse.FileReader = (*streamFileHandle)(nil)
var _ gofuse.FileReleaser = (*streamFileHandle)(nil)

func (h *streamFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		chunk, err := h.watch.Next(ctx)
		if err == io.EOF {
			return fuse.ReadResultData(nil), 0
		}
		if err != nil {
			return nil, errnoFor(err)
		}
		h.pending = chunk
	}
	n := copy(dest, h.pending)
	h.pending = h.pending[n:]
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *streamFileHandle) Release(ctx context.Context) syscall.Errno {
	h.watch.Close()
	return 0
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
