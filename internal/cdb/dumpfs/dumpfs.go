// Package dumpfs exposes a crash-dump session's dump and symbol
// directories as a read-only, permission-filtered FUSE view so extension
// scripts driven by cdb.exe's .scriptrun can only see paths the session
// was explicitly granted.
package dumpfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// PermissionEngine resolves the effective permission for a virtual path
// under the mounted tree, by longest/most-specific matching rule.
type PermissionEngine interface {
	GetPermission(path string) types.Permission
	CheckRead(path string) error
	CheckView(path string) error
	UpdateRules(rules []types.PermissionRule)
}

// NewPermissionEngine returns the default rule-based PermissionEngine,
// rules sorted by priority then specificity as documented on UpdateRules.
func NewPermissionEngine(rules []types.PermissionRule) PermissionEngine {
	pe := &permissionEngine{}
	pe.UpdateRules(rules)
	return pe
}

// Config holds the parameters for one mounted view.
type Config struct {
	SourceDir  string // dump or symbol directory to expose
	MountPoint string
	Rules      []types.PermissionRule
}

// DumpFS is a read-only FUSE filesystem enforcing permission rules over one
// source directory. Unlike a general-purpose sandbox filesystem, it never
// allows writes: extension scripts inspect crash artifacts, they don't
// modify them.
type DumpFS struct {
	cfg        Config
	permEngine PermissionEngine
	server     *fuse.Server
	mounted    atomic.Bool
	mu         sync.RWMutex
}

// New validates cfg and constructs a DumpFS. Call Mount to expose it.
func New(cfg Config) (*DumpFS, error) {
	if cfg.SourceDir == "" {
		return nil, errors.New("dumpfs: empty source directory")
	}
	if cfg.MountPoint == "" {
		return nil, errors.New("dumpfs: empty mount point")
	}
	info, err := os.Stat(cfg.SourceDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("dumpfs: source is not a directory")
	}
	return &DumpFS{cfg: cfg, permEngine: NewPermissionEngine(cfg.Rules)}, nil
}

// Mount mounts the filesystem and blocks until ctx is cancelled, then
// unmounts, retrying on EBUSY the way a transient debugger-held handle
// requires.
func (d *DumpFS) Mount(ctx context.Context) error {
	root := &dirNode{dfs: d, sourceDir: d.cfg.SourceDir}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:   "cdb-dumpfs",
			Name:     "dumpfs",
			Debug:    false,
			ReadOnly: true,
		},
	}

	server, err := fs.Mount(d.cfg.MountPoint, root, opts)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.server = server
	d.mounted.Store(true)
	d.mu.Unlock()

	<-ctx.Done()
	return d.unmountWithRetry()
}

// unmountWithRetry retries Unmount against a transiently busy mountpoint
// (EBUSY while a reader still has the tree open): up to five attempts in a
// row, with no delay between them, before giving up.
func (d *DumpFS) unmountWithRetry() error {
	d.mu.Lock()
	server := d.server
	d.mu.Unlock()
	if server == nil {
		return nil
	}

	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = server.Unmount(); err == nil {
			d.mounted.Store(false)
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			break
		}
	}
	return err
}

// IsMounted reports whether the filesystem is currently mounted.
func (d *DumpFS) IsMounted() bool { return d.mounted.Load() }

// UpdateRules replaces the permission rules in effect for this mount.
func (d *DumpFS) UpdateRules(rules []types.PermissionRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permEngine.UpdateRules(rules)
}

func (d *DumpFS) checkView(path string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.permEngine.CheckView(path)
}

func (d *DumpFS) checkRead(path string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.permEngine.CheckRead(path)
}

func (d *DumpFS) getPermission(path string) types.Permission {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.permEngine.GetPermission(path)
}

// dirNode is one directory in the exposed tree, root or nested.
type dirNode struct {
	fs.Inode
	dfs         *DumpFS
	sourceDir   string
	virtualPath string
}

var _ = (fs.NodeLookuper)((*dirNode)(nil))
var _ = (fs.NodeReaddirer)((*dirNode)(nil))
var _ = (fs.NodeGetattrer)((*dirNode)(nil))

func (n *dirNode) virtualPathFor(name string) string {
	if n.virtualPath == "" {
		return "/" + name
	}
	return n.virtualPath + "/" + name
}

func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var st syscall.Stat_t
	if err := syscall.Stat(n.sourceDir, &st); err != nil {
		return toErrno(err)
	}
	out.FromStat(&st)
	return fs.OK
}

func (n *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	vpath := n.virtualPathFor(name)
	spath := filepath.Join(n.sourceDir, name)

	if n.dfs.getPermission(vpath) == types.PermNone {
		return nil, syscall.ENOENT
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(spath, &st); err != nil {
		return nil, syscall.ENOENT
	}

	var child fs.InodeEmbedder
	var attr fs.StableAttr
	if st.Mode&syscall.S_IFDIR != 0 {
		child = &dirNode{dfs: n.dfs, sourceDir: spath, virtualPath: vpath}
		attr = fs.StableAttr{Mode: fuse.S_IFDIR}
	} else {
		child = &fileNode{dfs: n.dfs, sourcePath: spath, virtualPath: vpath}
		attr = fs.StableAttr{Mode: fuse.S_IFREG}
	}

	out.Attr.FromStat(&st)
	return n.NewInode(ctx, child, attr), fs.OK
}

func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(n.sourceDir)
	if err != nil {
		return nil, syscall.EIO
	}

	var result []fuse.DirEntry
	for _, e := range entries {
		vpath := n.virtualPathFor(e.Name())
		if n.dfs.getPermission(vpath) == types.PermNone {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if e.IsDir() {
			mode = fuse.S_IFDIR
		}
		result = append(result, fuse.DirEntry{Name: e.Name(), Mode: mode})
	}
	return fs.NewListDirStream(result), fs.OK
}

// fileNode is one read-only file in the exposed tree.
type fileNode struct {
	fs.Inode
	dfs         *DumpFS
	sourcePath  string
	virtualPath string
}

var _ = (fs.NodeGetattrer)((*fileNode)(nil))
var _ = (fs.NodeOpener)((*fileNode)(nil))

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if err := f.dfs.checkView(f.virtualPath); err != nil {
		return syscall.EACCES
	}
	var st syscall.Stat_t
	if err := syscall.Stat(f.sourcePath, &st); err != nil {
		return toErrno(err)
	}
	out.Attr.FromStat(&st)
	return fs.OK
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if err := f.dfs.checkRead(f.virtualPath); err != nil {
		return nil, 0, syscall.EACCES
	}
	file, err := os.OpenFile(f.sourcePath, os.O_RDONLY, 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{file: file}, 0, fs.OK
}

type fileHandle struct {
	file *os.File
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileReleaser)((*fileHandle)(nil))

func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.file.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.file.Close(); err != nil {
		return toErrno(err)
	}
	return fs.OK
}

func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if os.IsPermission(err) {
		return syscall.EACCES
	}
	return syscall.EIO
}
