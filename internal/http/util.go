package httpx

import (
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/assetlens/portal/internal/errors"
)

// page is a limit/offset pair read from the query string.
type page struct {
	Limit  int
	Offset int
}

// parsePage reads limit and offset. A limit above maxLimit is clamped; a limit
// below 1 or a negative or non-numeric value is a validation error.
func parsePage(r *http.Request, defLimit, maxLimit int) (page, error) {
	q := r.URL.Query()
	p := page{Limit: defLimit}

	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return page{}, apperrors.ValidationField("limit", "limit must be a positive integer")
		}
		p.Limit = n
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page{}, apperrors.ValidationField("offset", "offset must be a non-negative integer")
		}
		p.Offset = n
	}

	p.Limit = min(p.Limit, max(maxLimit, 1))
	return p, nil
}
