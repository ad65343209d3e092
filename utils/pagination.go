package utils

const pageSizeDefault = 12
const pageSizeMax = 100

// PageInfo describes one page of a listing.
type PageInfo struct {
	Total       int64 `json:"total"`
	CurrentPage int   `json:"currentPage"`
	TotalPages  int   `json:"totalPages"`
	Take        int   `json:"take"`
	HasNextPage bool  `json:"hasNextPage"`
}

// GetPaginationParams turns 1-based page/take values into an offset and limit.
// If page or take are nil or out of range, default values are used. The take is capped at a maximum value.
func GetPaginationParams(page *int, take *int) (int, int) {
	finalPage := 1
	finalTake := pageSizeDefault

	if page != nil && *page > 0 {
		finalPage = *page
	}

	if take != nil && *take > 0 {
		finalTake = min(*take, pageSizeMax)
	}

	return (finalPage - 1) * finalTake, finalTake
}

// NewPageInfo computes the page metadata for a listing of total rows.
func NewPageInfo(total int64, offset, limit int) PageInfo {
	if limit <= 0 {
		limit = pageSizeDefault
	}
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	current := offset/limit + 1
	return PageInfo{
		Total:       total,
		CurrentPage: current,
		TotalPages:  totalPages,
		Take:        limit,
		HasNextPage: current < totalPages,
	}
}
