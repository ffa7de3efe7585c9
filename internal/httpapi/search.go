package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
	"github.com/fyrsmithlabs/mediavault/internal/search"
)

const defaultSearchK = 20

type textSearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// handleSearchText is POST /search/text: Mode A, text over the text
// and image vectors merged by max score.
func (s *Server) handleSearchText(c echo.Context) error {
	var req textSearchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, fmt.Errorf("%w: decoding request: %v", apperr.ErrInvalidInput, err))
	}
	if req.Query == "" {
		return writeError(c, fmt.Errorf("%w: query must not be empty", apperr.ErrInvalidInput))
	}
	if req.K == 0 {
		req.K = defaultSearchK
	}

	resp, err := s.engine.TextQuery(c.Request().Context(), req.Query, req.K)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSearchByImage is POST /search/by-image: Mode B, a single
// multipart field "image" searched against the image vector.
func (s *Server) handleSearchByImage(c echo.Context) error {
	fh, err := c.FormFile("image")
	if err != nil {
		return writeError(c, fmt.Errorf("%w: missing image field: %v", apperr.ErrInvalidInput, err))
	}
	f, err := fh.Open()
	if err != nil {
		return writeError(c, fmt.Errorf("%w: opening image: %v", apperr.ErrInvalidInput, err))
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return writeError(c, fmt.Errorf("%w: reading image: %v", apperr.ErrInvalidInput, err))
	}

	k := defaultSearchK
	if v := c.FormValue("k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			k = n
		}
	}

	resp, err := s.engine.ImageQuery(c.Request().Context(), content, k)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSearchSimilar is POST /search/similar-by-file: Mode C,
// addressed by the media's stored path rather than its gmid, since the
// caller is typically browsing the filesystem rather than holding a
// gmid directly.
func (s *Server) handleSearchSimilar(c echo.Context) error {
	filePath := c.FormValue("file_path")
	if filePath == "" {
		return writeError(c, fmt.Errorf("%w: file_path is required", apperr.ErrInvalidInput))
	}

	rec, err := s.reg.GetByStoredPath(c.Request().Context(), filePath)
	if err != nil {
		return writeError(c, err)
	}

	k := defaultSearchK
	if v := c.FormValue("k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			k = n
		}
	}

	resp, err := s.engine.SimilarTo(c.Request().Context(), rec.GMID, k)
	if err != nil {
		if errors.Is(err, search.ErrNotIndexed) {
			return writeError(c, fmt.Errorf("%w: %v", apperr.ErrConflict, err))
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type statsResponse struct {
	PointCount uint64 `json:"point_count"`
	Dimension  uint64 `json:"dim"`
}

// handleSearchStats is GET /search/stats: index point count and vector
// dimension.
func (s *Server) handleSearchStats(c echo.Context) error {
	stats, err := s.index.Stats(c.Request().Context(), s.cfg.CollectionName)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, statsResponse{PointCount: stats.PointCount, Dimension: stats.Dim})
}
