package emr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// FormatETag renders a row version as a weak ETag.
func FormatETag(rowVersion int64) string {
	return fmt.Sprintf(`W/"%d"`, rowVersion)
}

// ParseETag extracts the row version from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int64, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.ParseInt(etag, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

func setVersionHeaders(c echo.Context, rec *Record) {
	h := c.Response().Header()
	h.Set("ETag", FormatETag(rec.RowVersion))
	h.Set("Last-Modified", rec.UpdatedAt.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))
}

// expectedVersion prefers the version from the body and falls back to If-Match.
func expectedVersion(c echo.Context, fromBody int64) (int64, error) {
	if fromBody != 0 {
		return fromBody, nil
	}
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return 0, nil
	}
	v, err := ParseETag(ifMatch)
	if err != nil {
		return 0, fmt.Errorf("invalid If-Match header: %w", err)
	}
	return v, nil
}
