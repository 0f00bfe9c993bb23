package domain

import (
	"time"
)

// CachedResponse is a stored copy of an upstream HTTP response, keyed by
// cache partition plus request URL. At most one entry exists per
// (partition, URL) pair; a successful refetch overwrites it wholesale.
type CachedResponse struct {
	Partition  string              `json:"partition"`
	URL        string              `json:"url"`
	StatusCode int                 `json:"status_code"`
	Header     map[string][]string `json:"header"`
	Body       []byte              `json:"body"`
	FetchedAt  time.Time           `json:"fetched_at"`
}
