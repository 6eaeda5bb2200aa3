package server

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/umbra/internal/filecache"
	"github.com/ssd-technologies/umbra/internal/remote"
	"github.com/ssd-technologies/umbra/internal/storage"
)

const maxNameLen = 255

// fileView is a catalog record plus its cache entry, when there is one.
type fileView struct {
	storage.File
	Cache *filecache.EntryInfo `json:"cache,omitempty"`
}

func (s *Server) view(f storage.File) fileView {
	v := fileView{File: f}
	if info, err := s.cache.Stat(filecache.FileID(f.ID)); err == nil {
		v.Cache = &info
	}
	return v
}

// handleUploadFile handles POST /api/files. The body is the raw file
// content; it is streamed into the cache in chunks and never buffered whole.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if !s.allowUpload(w, r) {
		return
	}

	name := strings.TrimSpace(r.Header.Get("X-File-Name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "X-File-Name header is required")
		return
	}
	if len(name) > maxNameLen {
		writeError(w, http.StatusBadRequest, "file name too long")
		return
	}
	if r.ContentLength > s.cache.Size() {
		writeError(w, http.StatusRequestEntityTooLarge, "file is larger than the cache")
		return
	}

	keyID := filecache.NullKeyID
	if r.URL.Query().Get("encrypt") != "false" {
		id, err := s.keys.Create()
		if err != nil {
			s.logger.Error().Err(err).Msg("create key")
			writeError(w, http.StatusInternalServerError, "failed to create key")
			return
		}
		keyID = id
	}
	codec, err := s.keys.Codec(keyID)
	if err != nil {
		s.logger.Error().Err(err).Str("key", keyID).Msg("load codec")
		writeError(w, http.StatusInternalServerError, "failed to load key")
		return
	}

	var reserve int64
	if r.ContentLength > 0 {
		reserve = s.cache.DiskFootprint(r.ContentLength, codec)
	}
	cw, err := s.cache.OpenForWrite("", reserve, codec)
	if err != nil {
		s.writeCacheError(w, err, "failed to open cache entry")
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.cache.Size())
	n, err := cw.ReadFrom(body)
	if err != nil {
		if rerr := s.cache.RemoveFile(cw); rerr != nil {
			s.logger.Warn().Err(rerr).Str("id", string(cw.ID())).Msg("discard partial upload")
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file is larger than the cache")
			return
		}
		s.writeCacheError(w, err, "failed to store upload")
		return
	}
	if err := s.cache.CloseFile(cw, filecache.Pinned); err != nil {
		s.logger.Error().Err(err).Str("id", string(cw.ID())).Msg("close upload")
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	mimeType := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	f := &storage.File{
		ID:        string(cw.ID()),
		Name:      name,
		Size:      n,
		MimeType:  mimeType,
		KeyID:     keyID,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.db.CreateFile(f); err != nil {
		s.logger.Error().Err(err).Str("id", f.ID).Msg("catalog upload")
		if rerr := s.cache.Remove(cw.ID()); rerr != nil {
			s.logger.Warn().Err(rerr).Str("id", f.ID).Msg("discard uncatalogued upload")
		}
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	s.logger.Info().Str("id", f.ID).Str("name", f.Name).Int64("size", f.Size).Bool("encrypted", keyID != filecache.NullKeyID).Msg("uploaded")
	writeJSON(w, http.StatusCreated, s.view(*f))
}

// handleListFiles handles GET /api/files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.db.ListFiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	result := make([]fileView, len(files))
	for i, f := range files {
		result[i] = s.view(f)
	}
	writeJSON(w, http.StatusOK, result)
}

// lookup loads the catalog record for the {id} path value, writing a 404
// when there is none.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*storage.File, bool) {
	id := r.PathValue("id")
	if _, err := filecache.ParseFileID(id); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return nil, false
	}
	f, err := s.db.GetFile(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "file not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("get file")
		writeError(w, http.StatusInternalServerError, "failed to load file")
		return nil, false
	}
	return f, true
}

// handleGetFile handles GET /api/files/{id}.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(*f))
}

// handleFileContent handles GET /api/files/{id}/content. A cache miss is
// served by restoring the file from the remote tier.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookup(w, r)
	if !ok {
		return
	}

	rd, codec, err := s.repl.OpenReader(r.Context(), *f)
	if errors.Is(err, filecache.ErrCorrupt) && f.Status == storage.StatusReplicated {
		// The remote copy is authoritative; drop the damaged one and refetch.
		s.logger.Warn().Err(err).Str("id", f.ID).Msg("cached copy corrupt, restoring")
		if rerr := s.cache.Remove(filecache.FileID(f.ID)); rerr == nil {
			rd, codec, err = s.repl.OpenReader(r.Context(), *f)
		}
	}
	if err != nil {
		if errors.Is(err, filecache.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file content unavailable")
			return
		}
		s.writeCacheError(w, err, "failed to read file")
		return
	}
	defer s.releaseReader(rd, f.ID, codec)

	contentType := f.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rd.Size(), 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, filecache.NewStreamReader(rd)); err != nil {
		// Headers are gone; the short body tells the client.
		s.logger.Warn().Err(err).Str("id", f.ID).Msg("stream file content")
	}
}

// releaseReader closes rd, leaving the entry evictable only when a remote
// copy exists. Replication may finish while rd is open; if the catalog says
// replicated once rd is closed, the pin applied here is lifted again.
func (s *Server) releaseReader(rd *filecache.Reader, id string, codec filecache.Codec) {
	if s.replicated(id) {
		if err := s.cache.CloseFile(rd, filecache.Finalized); err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("close reader")
		}
		return
	}
	if err := s.cache.CloseFile(rd, filecache.Pinned); err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("close reader")
		return
	}
	if !s.replicated(id) {
		return
	}

	again, err := s.cache.OpenForRead(context.Background(), filecache.FileID(id), codec, 0)
	if err != nil {
		// Evicted or removed meanwhile; nothing left pinned.
		return
	}
	if err := s.cache.CloseFile(again, filecache.Finalized); err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("unpin replicated entry")
	}
}

func (s *Server) replicated(id string) bool {
	f, err := s.db.GetFile(id)
	return err == nil && f.Status == storage.StatusReplicated
}

// handleDeleteFile handles DELETE /api/files/{id}: the cache entry, the
// remote copy and the catalog record are removed in that order.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookup(w, r)
	if !ok {
		return
	}

	err := s.cache.Remove(filecache.FileID(f.ID))
	if errors.Is(err, filecache.ErrInvalidState) {
		writeError(w, http.StatusConflict, "file is in use")
		return
	}
	if err != nil && !errors.Is(err, filecache.ErrNotFound) {
		s.logger.Error().Err(err).Str("id", f.ID).Msg("remove cached file")
		writeError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}
	if err := s.remote.Delete(r.Context(), f.ID); err != nil && !errors.Is(err, remote.ErrNotFound) {
		s.logger.Error().Err(err).Str("id", f.ID).Msg("remove remote copy")
		writeError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}
	if err := s.db.DeleteFile(f.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Error().Err(err).Str("id", f.ID).Msg("delete catalog record")
		writeError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}

	s.logger.Info().Str("id", f.ID).Msg("deleted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleCacheStats handles GET /api/cache.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   s.cache.Stats(),
		"entries": s.cache.Entries(),
	})
}

// writeCacheError maps cache errors to status codes.
func (s *Server) writeCacheError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, filecache.ErrInsufficientSpace):
		writeError(w, http.StatusInsufficientStorage, "cache is full")
	case errors.Is(err, filecache.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, filecache.ErrInvalidState):
		writeError(w, http.StatusConflict, "file is busy")
	case errors.Is(err, filecache.ErrCorrupt):
		s.logger.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, "file is corrupt")
	default:
		s.logger.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
}
