package common

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Page is the page window requested by ?page= and ?limit=, plus the total
// once the query has run.
type Page struct {
	Number  int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total_items"`
}

// ParsePage reads the page window from the query string. Bad or missing
// values fall back to page 1 and defaultPerPage; maxPerPage caps the size.
func ParsePage(r *http.Request, defaultPerPage, maxPerPage int) Page {
	q := r.URL.Query()
	p := Page{Number: positiveInt(q.Get("page"), 1), PerPage: positiveInt(q.Get("limit"), defaultPerPage)}
	if maxPerPage > 0 && p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	return p
}

func positiveInt(raw string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
		return n
	}
	return fallback
}

// Offset is the zero-based row offset of the page.
func (p Page) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.PerPage
}

// Last is the number of the final page, at least 1.
func (p Page) Last() int {
	if p.PerPage <= 0 || p.Total <= p.PerPage {
		return 1
	}
	return (p.Total + p.PerPage - 1) / p.PerPage
}

// WriteHeaders sets X-Total-Count and an RFC 8288 Link header with next/prev
// relations relative to the request URL.
func (p Page) WriteHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Total-Count", strconv.Itoa(p.Total))

	var links []string
	rel := func(number int, name string) {
		u := url.URL{Path: r.URL.Path}
		q := r.URL.Query()
		q.Set("page", strconv.Itoa(number))
		q.Set("limit", strconv.Itoa(p.PerPage))
		u.RawQuery = q.Encode()
		links = append(links, fmt.Sprintf(`<%s>; rel="%s"`, u.String(), name))
	}
	if p.Number > 1 {
		rel(p.Number-1, "prev")
	}
	if p.Number < p.Last() {
		rel(p.Number+1, "next")
	}
	if len(links) > 0 {
		w.Header().Set("Link", strings.Join(links, ", "))
	}
}
