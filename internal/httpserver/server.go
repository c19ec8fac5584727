// Package httpserver exposes the storage service over HTTP: a small JSON API,
// file downloads with Range support, thumbnails and a WebDAV view of each
// user's root.
package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"nasdrive/internal/archive"
	"nasdrive/internal/auth"
	"nasdrive/internal/common"
	"nasdrive/internal/fsutil"
	"nasdrive/internal/logging"
	"nasdrive/internal/storage"
)

type Options struct {
	Auth    *auth.Service
	Storage *storage.Service
	Logger  logging.Logger
	// CookieSecure marks the session cookie Secure (TLS terminated in front).
	CookieSecure bool
}

type Server struct {
	auth    *auth.Service
	storage *storage.Service
	logger  logging.Logger
	secure  bool
	dav     *davLocks
}

func New(opts Options) (*Server, error) {
	if opts.Auth == nil || opts.Storage == nil {
		return nil, errors.New("httpserver: auth and storage are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		auth:    opts.Auth,
		storage: opts.Storage,
		logger:  logger.With("module", "http"),
		secure:  opts.CookieSecure,
		dav:     newDavLocks(),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	private := http.NewServeMux()
	private.HandleFunc("GET /api/list", s.handleList)
	private.HandleFunc("POST /api/mkdir", s.handleMkdir)
	private.HandleFunc("POST /api/delete", s.handleDelete)
	private.HandleFunc("POST /api/rename", s.handleRename)
	private.HandleFunc("POST /api/move", s.handleMove)
	private.HandleFunc("PUT /api/upload", s.handleUpload)
	private.HandleFunc("POST /api/upload", s.handleMultipartUpload)
	private.HandleFunc("GET /api/zip", s.handleZip)
	private.HandleFunc("POST /api/unzip", s.handleUnzip)
	private.HandleFunc("POST /api/unpack", s.handleUnpack)
	private.HandleFunc("GET /api/usage", s.handleUsage)
	private.HandleFunc("GET /f/", s.handleFile)
	private.HandleFunc("GET /thumb", s.handleThumb)
	private.Handle("/dav/", s.davHandler())

	guarded := s.auth.RequireAuth(private, s.deny)
	mux.Handle("/api/", guarded)
	mux.Handle("/f/", guarded)
	mux.Handle("/thumb", guarded)
	mux.Handle("/dav/", guarded)
	mux.Handle("/dav", http.RedirectHandler("/dav/", http.StatusMovedPermanently))

	return mux
}

// deny answers a request that carries no usable session. DAV clients get a
// Basic challenge, everything else a JSON error.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, err error) {
	if strings.HasPrefix(r.URL.Path, "/dav/") || r.Header.Get("Authorization") != "" {
		auth.Challenge(w)
	}
	if _, cerr := r.Cookie(auth.CookieName); cerr == nil && errors.Is(err, common.ErrAuthExpired) {
		auth.ClearCookie(w, s.secure)
	}
	s.writeError(w, r, err)
}

// --- handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := s.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auth.SetCookie(w, token, s.secure)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "user": req.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookie(w, s.secure)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	rel := r.URL.Query().Get("path")
	items, err := s.storage.List(r.Context(), user, rel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type listItem struct {
		storage.Entry
		Thumb string `json:"thumb,omitempty"`
	}
	out := make([]listItem, 0, len(items))
	for _, it := range items {
		li := listItem{Entry: it}
		if it.Kind != storage.KindDir && storage.IsPreviewable(it.Name) {
			li.Thumb = "/thumb?path=" + urlQueryEscape(it.Path)
		}
		out = append(out, li)
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": strings.Trim(rel, "/"), "items": out})
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.storage.MakeDir(r.Context(), auth.UserFromContext(r.Context()), req.Path); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.storage.Delete(r.Context(), auth.UserFromContext(r.Context()), req.Path); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.storage.Rename(r.Context(), auth.UserFromContext(r.Context()), req.Path, req.Name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.storage.Move(r.Context(), auth.UserFromContext(r.Context()), req.From, req.To); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleUpload stores the raw request body at ?path=.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	overwrite := q.Get("overwrite") == "1"
	e, err := s.storage.Upload(r.Context(), auth.UserFromContext(r.Context()), q.Get("path"), r.Body, overwrite)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleMultipartUpload stores every file part into the directory ?path=,
// streaming each part without buffering the form.
func (s *Server) handleMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)
	q := r.URL.Query()
	dir := q.Get("path")
	overwrite := q.Get("overwrite") == "1"

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad multipart"})
		return
	}
	var stored []storage.Entry
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad multipart"})
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		name := part.FileName()
		if err := s.storage.CheckName("upload", name); err != nil {
			_ = part.Close()
			s.writeError(w, r, err)
			return
		}
		e, err := s.storage.Upload(ctx, user, fsutil.JoinLogical(dir, name), part, overwrite)
		_ = part.Close()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		stored = append(stored, e)
	}
	if len(stored) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing file"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "items": stored})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/f/")
	c, err := s.storage.Download(r.Context(), auth.UserFromContext(r.Context()), rel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer c.Close()
	if r.URL.Query().Get("dl") == "1" {
		setAttachment(w, c.Name)
	}
	serveContent(w, r, c)
}

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	c, err := s.storage.DownloadArchive(r.Context(), auth.UserFromContext(r.Context()), r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer c.Close()
	setAttachment(w, c.Name)
	serveContent(w, r, c)
}

// handleUnzip expands the zip in the request body into ?path=.
func (s *Server) handleUnzip(w http.ResponseWriter, r *http.Request) {
	rep, err := s.storage.UploadArchive(r.Context(), auth.UserFromContext(r.Context()), r.URL.Query().Get("path"), r.Body)
	s.writeReport(w, r, "", rep, err)
}

// handleUnpack expands a zip already stored in the user's tree into a
// sibling directory.
func (s *Server) handleUnpack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	dir, rep, err := s.storage.UnpackArchive(r.Context(), auth.UserFromContext(r.Context()), req.Path)
	s.writeReport(w, r, dir, rep, err)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, _ := strconv.Atoi(q.Get("size"))
	b, err := s.storage.Thumbnail(r.Context(), auth.UserFromContext(r.Context()), q.Get("path"), size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(b)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.storage.Usage(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- helpers ---

type errorBody struct {
	Error string `json:"error"`
}

// reportBody is the answer to an archive expansion, complete or partial.
type reportBody struct {
	OK  bool   `json:"ok"`
	Dir string `json:"dir,omitempty"`
	archive.Report
	Error string `json:"error,omitempty"`
}

func (s *Server) writeReport(w http.ResponseWriter, r *http.Request, dir string, rep archive.Report, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reportBody{OK: true, Dir: dir, Report: rep})
	case errors.Is(err, common.ErrArchiveEntryRejected):
		writeJSON(w, http.StatusUnprocessableEntity, reportBody{Dir: dir, Report: rep, Error: err.Error()})
	default:
		s.writeError(w, r, err)
	}
}

// statusOf maps a core error onto an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, common.ErrAuthInvalid), errors.Is(err, common.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrNameInvalid), errors.Is(err, common.ErrPathEscape):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, common.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, common.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, common.ErrArchiveEntryRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends the client-safe part of err. Path errors carry only
// logical paths; anything else is replaced by the status text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := http.StatusText(status)
	var pe *common.PathError
	switch {
	case errors.As(err, &pe):
		msg = pe.Error()
	case auth.IsAuthError(err):
		msg = err.Error()
	default:
		s.logger.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func serveContent(w http.ResponseWriter, r *http.Request, c *storage.Content) {
	if c.ContentType != "" {
		w.Header().Set("Content-Type", c.ContentType)
	}
	http.ServeContent(w, r, c.Name, c.ModTime, c)
}

func setAttachment(w http.ResponseWriter, name string) {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		w.Header().Set("Content-Disposition", v)
		return
	}
	w.Header().Set("Content-Disposition", "attachment")
}

func urlQueryEscape(s string) string {
	return url.QueryEscape(s)
}
