package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// LimitFromContext reads ?limit=, falling back to DefaultLimit for missing or
// non-positive values and capping at MaxLimit.
func LimitFromContext(c echo.Context) int {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Response wraps a newest-first list. HasMore is set when the page came back
// full, meaning older items may exist.
type Response struct {
	Data    interface{} `json:"data"`
	Count   int         `json:"count"`
	Limit   int         `json:"limit"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, count, limit int) *Response {
	return &Response{
		Data:    data,
		Count:   count,
		Limit:   limit,
		HasMore: count >= limit,
	}
}
