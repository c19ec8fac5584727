package httpserver

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/webdav"

	"nasdrive/internal/auth"
	"nasdrive/internal/common"
	"nasdrive/internal/storage"
)

// davHandler serves the session user's root over WebDAV. Reads, PROPFIND,
// MKCOL, DELETE and MOVE go through the storage service. Methods that write
// file content are refused: a DAV PUT cannot tell the filesystem that its
// body was cut short, so it could leave a partial file behind.
func (s *Server) davHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut, "COPY", "PROPPATCH", "LOCK", "UNLOCK":
			w.Header().Set("Allow", davAllow)
			http.Error(w, "read-only over webdav", http.StatusMethodNotAllowed)
			return
		}
		user := auth.UserFromContext(r.Context())
		h := &webdav.Handler{
			Prefix:     "/dav",
			FileSystem: &davFS{storage: s.storage, user: user},
			LockSystem: s.dav.get(user),
			Logger: func(r *http.Request, err error) {
				if err != nil {
					s.logger.Debug(r.Context(), "webdav", "method", r.Method, "path", r.URL.Path, "err", err)
				}
			},
		}
		h.ServeHTTP(w, r)
	})
}

const davAllow = "OPTIONS, GET, HEAD, PROPFIND, MKCOL, DELETE, MOVE"

// davLocks keeps one lock namespace per user, since the same DAV path names
// different files for different users.
type davLocks struct {
	mu    sync.Mutex
	users map[string]webdav.LockSystem
}

func newDavLocks() *davLocks {
	return &davLocks{users: make(map[string]webdav.LockSystem)}
}

func (l *davLocks) get(user string) webdav.LockSystem {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.users[user]
	if !ok {
		ls = webdav.NewMemLS()
		l.users[user] = ls
	}
	return ls
}

// davFS adapts storage.Service to webdav.FileSystem for one user.
type davFS struct {
	storage *storage.Service
	user    string
}

func davPath(name string) string {
	return strings.Trim(name, "/")
}

func (d *davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return davErr(d.storage.MakeDir(ctx, d.user, davPath(name)))
}

func (d *davFS) RemoveAll(ctx context.Context, name string) error {
	return davErr(d.storage.Delete(ctx, d.user, davPath(name)))
}

func (d *davFS) Rename(ctx context.Context, oldName, newName string) error {
	return davErr(d.storage.Move(ctx, d.user, davPath(oldName), davPath(newName)))
}

func (d *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	e, err := d.storage.StatTarget(ctx, d.user, davPath(name))
	if err != nil {
		return nil, davErr(err)
	}
	return davInfo{e}, nil
}

func (d *davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	logical := davPath(name)
	e, err := d.storage.StatTarget(ctx, d.user, logical)
	if err != nil {
		return nil, davErr(err)
	}
	if e.Kind == storage.KindDir {
		return &davDir{owner: d, ctx: ctx, info: davInfo{e}}, nil
	}
	c, err := d.storage.Download(ctx, d.user, logical)
	if err != nil {
		return nil, davErr(err)
	}
	return &davFile{Content: c, info: davInfo{e}}, nil
}

// davErr turns core errors into the os errors the webdav package checks
// with os.IsNotExist and friends.
func davErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrNotFound):
		return os.ErrNotExist
	case errors.Is(err, common.ErrAlreadyExists):
		return os.ErrExist
	case errors.Is(err, common.ErrPathEscape), errors.Is(err, common.ErrNameInvalid),
		errors.Is(err, common.ErrPermissionDenied):
		return os.ErrPermission
	}
	return err
}

// davInfo presents a storage entry as fs.FileInfo.
type davInfo struct {
	e storage.Entry
}

func (i davInfo) Name() string       { return i.e.Name }
func (i davInfo) Size() int64        { return i.e.Size }
func (i davInfo) ModTime() time.Time { return i.e.ModTime }
func (i davInfo) IsDir() bool        { return i.e.Kind == storage.KindDir }
func (i davInfo) Sys() any           { return nil }

func (i davInfo) Mode() fs.FileMode {
	if i.IsDir() {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

// ContentType lets PROPFIND answer without opening and sniffing the file.
func (i davInfo) ContentType(ctx context.Context) (string, error) {
	if i.IsDir() {
		return "", webdav.ErrNotImplemented
	}
	return storage.ContentType(i.e.Name), nil
}

type davFile struct {
	*storage.Content
	info davInfo
}

func (f *davFile) Readdir(count int) ([]fs.FileInfo, error) {
	return nil, os.ErrInvalid
}

func (f *davFile) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *davFile) Write(p []byte) (int, error) { return 0, os.ErrPermission }

// davDir lists lazily. Symlinks are shown as what they point to; links that
// leave the root or dangle are left out.
type davDir struct {
	owner   *davFS
	ctx     context.Context
	info    davInfo
	entries []fs.FileInfo
	loaded  bool
}

func (d *davDir) load() error {
	if d.loaded {
		return nil
	}
	items, err := d.owner.storage.List(d.ctx, d.owner.user, d.info.e.Path)
	if err != nil {
		return davErr(err)
	}
	d.entries = make([]fs.FileInfo, 0, len(items))
	for _, it := range items {
		switch it.Kind {
		case storage.KindSymlink:
			t, err := d.owner.storage.StatTarget(d.ctx, d.owner.user, it.Path)
			if err != nil {
				continue
			}
			it = t
		case storage.KindOther:
			continue
		}
		d.entries = append(d.entries, davInfo{it})
	}
	d.loaded = true
	return nil
}

func (d *davDir) Readdir(count int) ([]fs.FileInfo, error) {
	if err := d.load(); err != nil {
		return nil, err
	}
	if count <= 0 {
		out := d.entries
		d.entries = nil
		return out, nil
	}
	if len(d.entries) == 0 {
		return nil, io.EOF
	}
	n := min(count, len(d.entries))
	out := d.entries[:n]
	d.entries = d.entries[n:]
	return out, nil
}

func (d *davDir) Stat() (fs.FileInfo, error)                   { return d.info, nil }
func (d *davDir) Read(p []byte) (int, error)                   { return 0, os.ErrInvalid }
func (d *davDir) Seek(offset int64, whence int) (int64, error) { return 0, os.ErrInvalid }
func (d *davDir) Write(p []byte) (int, error)                  { return 0, os.ErrPermission }
func (d *davDir) Close() error                                 { return nil }
