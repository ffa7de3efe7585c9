package httpapi

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
	"github.com/fyrsmithlabs/mediavault/internal/gmid"
	"github.com/fyrsmithlabs/mediavault/internal/registry"
	"github.com/fyrsmithlabs/mediavault/internal/store"
)

type uploadResult struct {
	Success   bool   `json:"success"`
	FileName  string `json:"file_name"`
	FileType  string `json:"file_type,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	Message   string `json:"message,omitempty"`
}

// handleUpload is POST /media/upload: a multipart form carrying one or
// more files under the "files" field. Each file is admitted
// unconditionally and enqueued for background ingestion; a per-file
// failure does not fail the whole request.
func (s *Server) handleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return writeError(c, fmt.Errorf("%w: reading multipart form: %v", apperr.ErrInvalidInput, err))
	}
	files := form.File["files"]
	if len(files) == 0 {
		return writeError(c, fmt.Errorf("%w: no files provided", apperr.ErrInvalidInput))
	}

	results := make([]uploadResult, 0, len(files))
	for _, fh := range files {
		results = append(results, s.storeOneUpload(c, fh))
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) storeOneUpload(c echo.Context, fh *multipart.FileHeader) uploadResult {
	mediaType, _, err := store.ClassifyExtension(fh.Filename)
	if err != nil {
		return uploadResult{Success: false, FileName: fh.Filename, Message: err.Error()}
	}

	f, err := fh.Open()
	if err != nil {
		return uploadResult{Success: false, FileName: fh.Filename, Message: "opening upload: " + err.Error()}
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return uploadResult{Success: false, FileName: fh.Filename, Message: "reading upload: " + err.Error()}
	}

	now := time.Now()
	stored, err := s.store.Store(content, fh.Filename, mediaType, now)
	if err != nil {
		return uploadResult{Success: false, FileName: fh.Filename, Message: err.Error()}
	}

	rec := &registry.Record{
		GMID:         stored.GMID,
		OriginalName: fh.Filename,
		StoredPath:   stored.StoredPath,
		MediaType:    string(mediaType),
		SizeBytes:    int64(len(content)),
		UploadTime:   now,
		IndexState:   registry.StatePending,
	}
	if err := s.reg.Put(c.Request().Context(), rec); err != nil {
		return uploadResult{Success: false, FileName: fh.Filename, Message: err.Error()}
	}

	s.pipe.Enqueue(stored.GMID)

	return uploadResult{
		Success:  true,
		FileName: fh.Filename,
		FileType: string(mediaType),
		FileSize: int64(len(content)),
		FilePath: stored.StoredPath,
		Message:  "accepted for ingestion",
	}
}

type listResponse struct {
	Items []*registry.Record `json:"items"`
	Page  int                `json:"page"`
	PageSize int             `json:"page_size"`
}

// handleList is GET /media/list: page/page_size/media_type? query
// params, clamped server-side per the registry's own List contract.
func (s *Server) handleList(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if pageSize <= 0 {
		pageSize = 20
	}
	mediaType := c.QueryParam("media_type")

	offset := (page - 1) * pageSize
	recs, err := s.reg.List(c.Request().Context(), offset, pageSize, mediaType)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, listResponse{Items: recs, Page: page, PageSize: pageSize})
}

// handleDetail is GET /media/{gmid}.
func (s *Server) handleDetail(c echo.Context) error {
	id := c.Param("gmid")
	if !gmid.Valid(id) {
		return writeError(c, fmt.Errorf("%w: invalid gmid %q", apperr.ErrInvalidInput, id))
	}
	rec, err := s.reg.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// handleDelete is DELETE /media/{gmid}: cascades across the registry
// row, the original file, the thumbnail, and the vector point.
func (s *Server) handleDelete(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("gmid")
	if !gmid.Valid(id) {
		return writeError(c, fmt.Errorf("%w: invalid gmid %q", apperr.ErrInvalidInput, id))
	}

	rec, err := s.reg.Get(ctx, id)
	if err != nil {
		return writeError(c, err)
	}

	if err := s.store.Delete(rec.StoredPath); err != nil {
		return writeError(c, err)
	}
	if rec.ThumbnailPath != "" {
		if err := s.store.Delete(rec.ThumbnailPath); err != nil {
			return writeError(c, err)
		}
	}
	if err := s.index.Delete(ctx, s.cfg.CollectionName, []string{id}); err != nil {
		return writeError(c, err)
	}
	if err := s.reg.Delete(ctx, id); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleUpdateDescription is PUT /media/{gmid}/description: demotes an
// indexed record to thumbnail_ready and triggers re-embedding of the
// text vector, preserving the cached image vector.
func (s *Server) handleUpdateDescription(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("gmid")
	if !gmid.Valid(id) {
		return writeError(c, fmt.Errorf("%w: invalid gmid %q", apperr.ErrInvalidInput, id))
	}
	description := c.FormValue("description")

	if err := s.reg.UpdateDescription(ctx, id, description); err != nil {
		return writeError(c, err)
	}

	rec, err := s.reg.Get(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	if rec.IndexState == registry.StateThumbnailReady {
		if err := s.pipe.ReembedDescription(ctx, id); err != nil {
			s.logger.Warn(ctx, "description re-embed failed, will be picked up by reconciliation", zap.Error(err))
		}
	}

	return c.NoContent(http.StatusNoContent)
}
