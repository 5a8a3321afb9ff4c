package devserver

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

// pendingUpload is an upload slot between presign and confirm.
type pendingUpload struct {
	path     string
	size     int64
	mimeType string
	expires  time.Time
	data     []byte
}

// objectReader is implemented by asset stores that can serve their objects.
type objectReader interface {
	Get(path string) ([]byte, bool)
}

func (s *Server) presign(c *gin.Context) {
	var req chat.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
		return
	}
	req.Path = strings.Trim(req.Path, "/")
	if req.Path == "" {
		reject(c, http.StatusBadRequest, "INVALID", "path is required")
		return
	}
	if req.FileSize > s.cfg.MaxUploadSize {
		reject(c, http.StatusRequestEntityTooLarge, "TOO_LARGE",
			"file of "+humanize.Bytes(uint64(req.FileSize))+" exceeds the "+
				humanize.Bytes(uint64(s.cfg.MaxUploadSize))+" limit")
		return
	}

	now := s.now()
	id := uuid.NewString()
	slot := &pendingUpload{
		path:     req.Path,
		size:     req.FileSize,
		mimeType: req.MimeType,
		expires:  now.Add(s.cfg.UploadTTL),
	}

	s.mu.Lock()
	for k, u := range s.uploads {
		if now.After(u.expires) {
			delete(s.uploads, k)
		}
	}
	s.uploads[id] = slot
	s.mu.Unlock()

	respond(c, http.StatusOK, chat.PresignResult{
		UploadID:  id,
		URL:       "/api/assets/upload/" + id,
		ExpiresAt: slot.expires,
	}, nil)
}

func (s *Server) slot(id string) (*pendingUpload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok || s.now().After(u.expires) {
		delete(s.uploads, id)
		return nil, false
	}
	return u, true
}

func (s *Server) upload(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.slot(id); !ok {
		reject(c, http.StatusNotFound, "NOT_FOUND", "unknown or expired upload "+id)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadSize+1<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxUploadSize+1))
	if err != nil {
		fail(c, err)
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadSize {
		reject(c, http.StatusRequestEntityTooLarge, "TOO_LARGE", "file exceeds the upload limit")
		return
	}

	s.mu.Lock()
	if u, ok := s.uploads[id]; ok {
		u.data = data
	}
	s.mu.Unlock()
	respond(c, http.StatusOK, gin.H{"size": len(data)}, nil)
}

func (s *Server) confirm(c *gin.Context) {
	var req struct {
		UploadID string `json:"upload_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "INVALID", err.Error())
		return
	}
	u, ok := s.slot(req.UploadID)
	if !ok {
		reject(c, http.StatusNotFound, "NOT_FOUND", "unknown or expired upload "+req.UploadID)
		return
	}
	if u.data == nil {
		reject(c, http.StatusConflict, "NOT_UPLOADED", "nothing was uploaded to "+req.UploadID)
		return
	}

	url, err := s.assets.PutObject(c.Request.Context(), u.data, u.path)
	if err != nil {
		fail(c, err)
		return
	}
	s.mu.Lock()
	delete(s.uploads, req.UploadID)
	s.mu.Unlock()

	jww.DEBUG.Printf("[devserver] stored %s (%s)", u.path, humanize.Bytes(uint64(len(u.data))))
	respond(c, http.StatusOK, chat.ConfirmResult{Path: u.path, URL: url, Size: int64(len(u.data))}, nil)
}

func (s *Server) deleteAsset(c *gin.Context) {
	p := strings.Trim(c.Param("path"), "/")
	if p == "" {
		reject(c, http.StatusBadRequest, "INVALID", "path is required")
		return
	}
	if err := s.assets.DeleteObject(c.Request.Context(), p); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil, nil)
}

func (s *Server) serveAsset(c *gin.Context) {
	r, ok := s.assets.(objectReader)
	if !ok {
		reject(c, http.StatusNotFound, "NOT_FOUND", "assets are not served by this server")
		return
	}
	data, ok := r.Get(strings.Trim(c.Param("path"), "/"))
	if !ok {
		reject(c, http.StatusNotFound, "NOT_FOUND", "no such asset")
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}
