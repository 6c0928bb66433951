package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/torn-tools/tornpipe/pkg/record"
)

var keylessRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tornpipe_paginator_keyless_records_total",
	Help: "Records yielded without a discoverable natural key, bypassing deduplication",
}, []string{"endpoint"})

// Pagination guards. The API's continuation cursor can wrap back to the
// beginning, so traversal terminates on any of: consecutive empty pages,
// consecutive all-duplicate pages, cursor regression, or the offset ceiling.
const (
	maxConsecutiveEmptyPages     = 3
	maxConsecutiveDuplicatePages = 2
	offsetCeiling                = 1000000
	emptyPageOffsetIncrement     = 100
)

// containerKeys are probed in order to locate the record list in a response.
var containerKeys = []string{"data", "crimes", "members", "items"}

// reservedKeys never hold record payloads.
var reservedKeys = map[string]bool{
	"_metadata": true,
	"error":     true,
	"code":      true,
}

// FetchPages traverses all pages of an endpoint, calling yield once for each
// record not seen earlier in this traversal. The seen-key set lives only for
// this call. Traversal is sequential: each page waits on the rate limiter and
// completes before the next is requested. A non-nil error from yield aborts
// the traversal.
func (c *Client) FetchPages(ctx context.Context, endpoint string, params url.Values, yield func(*record.Object) error) error {
	offset := 0
	totalRecords := 0
	seen := make(map[string]struct{})
	consecutiveEmpty := 0
	consecutiveDuplicates := 0

	for {
		c.logger.Info().
			Str("endpoint", endpoint).
			Int("offset", offset).
			Msg("Fetching page")

		resp, err := c.FetchPage(ctx, endpoint, offset, params)
		if err != nil {
			return fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}

		records := locateRecords(resp)
		recordsInPage := len(records)

		if recordsInPage == 0 {
			consecutiveEmpty++
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("offset", offset).
				Int("consecutive_empty", consecutiveEmpty).
				Msg("Empty page")
			if consecutiveEmpty >= maxConsecutiveEmptyPages {
				c.logger.Info().
					Str("endpoint", endpoint).
					Int("records", totalRecords).
					Msg("Stopping after consecutive empty pages")
				return nil
			}
		} else {
			consecutiveEmpty = 0
			duplicates := 0
			newInPage := 0

			for _, rec := range records {
				key, ok := rec.NaturalKey()
				if !ok {
					// No recognized key field: never deduplicated, which
					// also bypasses the duplicate-page loop guard.
					c.logger.Warn().
						Str("endpoint", endpoint).
						Msg("Record missing natural key field, treating as new")
					keylessRecordsTotal.WithLabelValues(endpoint).Inc()
				} else {
					if _, dup := seen[key]; dup {
						duplicates++
						continue
					}
					seen[key] = struct{}{}
				}
				newInPage++
				totalRecords++
				if err := yield(rec); err != nil {
					return err
				}
			}

			c.logger.Info().
				Str("endpoint", endpoint).
				Int("offset", offset).
				Int("page_records", recordsInPage).
				Int("new", newInPage).
				Int("duplicates", duplicates).
				Int("total", totalRecords).
				Msg("Page processed")

			if duplicates == recordsInPage {
				consecutiveDuplicates++
				c.logger.Warn().
					Str("endpoint", endpoint).
					Int("consecutive_duplicates", consecutiveDuplicates).
					Msg("Every record in page was already seen, cursor may have wrapped")
				if consecutiveDuplicates >= maxConsecutiveDuplicatePages {
					c.logger.Info().
						Str("endpoint", endpoint).
						Int("records", totalRecords).
						Msg("Stopping after consecutive all-duplicate pages")
					return nil
				}
			} else {
				consecutiveDuplicates = 0
			}
		}

		nextOffset, stop := deriveNextOffset(c, endpoint, resp, offset, recordsInPage)
		if stop {
			return nil
		}
		offset = nextOffset

		if offset > offsetCeiling {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("offset", offset).
				Int("records", totalRecords).
				Msg("Offset exceeded safety ceiling, stopping pagination")
			return nil
		}
	}
}

// FetchAll traverses all pages and collects the unique records.
func (c *Client) FetchAll(ctx context.Context, endpoint string, params url.Values) ([]*record.Object, error) {
	var records []*record.Object
	err := c.FetchPages(ctx, endpoint, params, func(rec *record.Object) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// locateRecords finds the record list in a page. Well-known container keys are
// probed first, then the first list-valued field, then a single object-valued
// field wrapped as a one-record list.
func locateRecords(resp *record.Object) []*record.Object {
	for _, key := range containerKeys {
		if v, ok := resp.Get(key); ok && v.Kind() == record.KindList {
			return objectsFromList(v.List())
		}
	}

	for _, key := range resp.Keys() {
		if reservedKeys[key] {
			continue
		}
		if v, _ := resp.Get(key); v.Kind() == record.KindList {
			return objectsFromList(v.List())
		}
	}

	for _, key := range resp.Keys() {
		if reservedKeys[key] {
			continue
		}
		if v, _ := resp.Get(key); v.Kind() == record.KindObject {
			return []*record.Object{v.Object()}
		}
	}

	return nil
}

func objectsFromList(list []record.Value) []*record.Object {
	objs := make([]*record.Object, 0, len(list))
	for _, v := range list {
		if v.Kind() == record.KindObject {
			objs = append(objs, v.Object())
		}
	}
	return objs
}

// deriveNextOffset computes the next page offset. A continuation cursor in
// _metadata.next wins when it carries an offset; a cursor whose offset does
// not advance stops traversal (loop guard). Without a usable cursor the
// offset advances by the page size, or a fixed increment for empty pages.
func deriveNextOffset(c *Client, endpoint string, resp *record.Object, offset, recordsInPage int) (int, bool) {
	fallback := func() int {
		if recordsInPage > 0 {
			return offset + recordsInPage
		}
		return offset + emptyPageOffsetIncrement
	}

	meta, ok := resp.Get("_metadata")
	if !ok || meta.Kind() != record.KindObject {
		return fallback(), false
	}
	next, ok := meta.Object().Get("next")
	if !ok || next.Kind() != record.KindString || next.String() == "" {
		return fallback(), false
	}

	parsed, err := url.Parse(next.String())
	if err != nil {
		c.logger.Debug().
			Err(err).
			Str("endpoint", endpoint).
			Msg("Could not parse continuation URL, incrementing offset")
		return fallback(), false
	}

	offsetParam := parsed.Query().Get("offset")
	if offsetParam == "" {
		return fallback(), false
	}

	nextOffset, err := strconv.Atoi(offsetParam)
	if err != nil {
		c.logger.Debug().
			Err(err).
			Str("endpoint", endpoint).
			Msg("Could not parse continuation offset, incrementing offset")
		return fallback(), false
	}

	if nextOffset <= offset {
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("next_offset", nextOffset).
			Int("offset", offset).
			Msg("Continuation offset did not advance, API may have looped back; stopping pagination")
		return 0, true
	}

	return nextOffset, false
}
