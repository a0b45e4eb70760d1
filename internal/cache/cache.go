// Package cache implements the response cache: a persistent key→response
// store with LRU+expiry eviction, backed by an embedded SQL engine, feeding
// the asset accessor that the tile content pipeline reads through.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"
)

// Request identifies the HTTP request an entry was stored for.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
}

// CacheControl mirrors the parsed Cache-Control header fields persisted
// alongside a response, per the persistent cache layout.
type CacheControl struct {
	MustRevalidate       bool  `json:"mustRevalidate"`
	NoCache              bool  `json:"noCache"`
	NoStore              bool  `json:"noStore"`
	NoTransform          bool  `json:"noTransform"`
	AccessControlPublic  bool  `json:"accessControlPublic"`
	AccessControlPrivate bool  `json:"accessControlPrivate"`
	ProxyRevalidate      bool  `json:"proxyRevalidate"`
	MaxAge               int64 `json:"maxAge"`
	SharedMaxAge         int64 `json:"sharedMaxAge"`
}

// Response is the stored response half of a CacheEntry.
type Response struct {
	StatusCode   int
	Headers      map[string]string
	ContentType  string
	CacheControl CacheControl
	Body         []byte
}

// Entry is a full round-trippable row of the cache table.
type Entry struct {
	Key              string
	ExpiryTime       time.Time
	LastAccessedTime time.Time
	Request          Request
	Response         Response
}

// Store is the persistent key→response cache. One Store wraps one *sql.DB;
// Stores are never shared across cache instances (spec §9 "Global SQL
// handle").
type Store struct {
	db *sql.DB
}

// Open creates or opens the cache database at path, enabling WAL mode and a
// 5-second busy timeout to absorb concurrent writers, matching the teacher's
// mbtiles.Writer pragma set adapted to this schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS CacheItemTable (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			expiryTime INTEGER NOT NULL,
			lastAccessedTime INTEGER NOT NULL,
			responseHeaders TEXT NOT NULL,
			responseContentType TEXT NOT NULL,
			responseStatusCode INTEGER NOT NULL,
			responseCacheControl TEXT NOT NULL,
			responseData BLOB NOT NULL,
			requestHeader TEXT NOT NULL,
			requestMethod TEXT NOT NULL,
			requestUrl TEXT NOT NULL,
			key TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cache_key ON CacheItemTable (key);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key computes the stable request fingerprint used as a lookup key: an
// xxhash of method, URL, and the headers relevant to cache validation
// (hashed in sorted header-name order so map iteration order does not
// matter; Key hashes exactly the headers it is given so callers control
// which headers matter).
func Key(method, url string, relevantHeaders map[string]string) string {
	h := xxhash.New()
	h.WriteString(method)
	h.WriteString("\x00")
	h.WriteString(url)
	names := make([]string, 0, len(relevantHeaders))
	for k := range relevantHeaders {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		h.WriteString("\x00")
		h.WriteString(k)
		h.WriteString("=")
		h.WriteString(relevantHeaders[k])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Predicate decides, given a candidate entry, whether to accept it as the
// cache hit. It lets callers validate cache-control semantics before a row
// is returned.
type Predicate func(Entry) bool

// GetEntry iterates rows matching key and returns the first one predicate
// accepts, updating its lastAccessedTime to now. Returns found=false on a
// miss, with no error -- cache errors degrade to a miss rather than
// propagating into the request pipeline (spec §7).
func (s *Store) GetEntry(ctx context.Context, key string, predicate Predicate) (entry Entry, found bool, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, expiryTime, lastAccessedTime, responseHeaders, responseContentType,
		       responseStatusCode, responseCacheControl, responseData,
		       requestHeader, requestMethod, requestUrl, key
		FROM CacheItemTable WHERE key = ?`, key)
	if err != nil {
		return Entry{}, false, nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                                      int64
			expiry, lastAccessed                     int64
			responseHeaders, responseCacheControl    string
			responseContentType                      string
			responseStatusCode                       int
			responseData                             []byte
			requestHeader, requestMethod, requestURL string
			rowKey                                   string
		)
		if err := rows.Scan(&id, &expiry, &lastAccessed, &responseHeaders, &responseContentType,
			&responseStatusCode, &responseCacheControl, &responseData,
			&requestHeader, &requestMethod, &requestURL, &rowKey); err != nil {
			continue
		}

		candidate := decodeEntry(rowKey, expiry, lastAccessed, responseHeaders, responseContentType,
			responseStatusCode, responseCacheControl, responseData, requestHeader, requestMethod, requestURL)

		if !predicate(candidate) {
			continue
		}

		now := time.Now()
		if _, err := s.db.ExecContext(ctx,
			`UPDATE CacheItemTable SET lastAccessedTime = ? WHERE id = ?`, now.Unix(), id); err != nil {
			return candidate, true, nil
		}
		candidate.LastAccessedTime = now
		return candidate, true, nil
	}

	return Entry{}, false, nil
}

// StoreResponse inserts a new row for key. Rows already stored under the
// same key are kept; GetEntry returns the first of them its predicate
// accepts.
func (s *Store) StoreResponse(ctx context.Context, key string, expiry time.Time, req Request, resp Response) (bool, error) {
	headersJSON, err := json.Marshal(req.Headers)
	if err != nil {
		return false, nil
	}
	respHeadersJSON, err := json.Marshal(resp.Headers)
	if err != nil {
		return false, nil
	}
	cacheControlJSON, err := json.Marshal(resp.CacheControl)
	if err != nil {
		return false, nil
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO CacheItemTable
			(expiryTime, lastAccessedTime, responseHeaders, responseContentType,
			 responseStatusCode, responseCacheControl, responseData,
			 requestHeader, requestMethod, requestUrl, key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		expiry.Unix(), now.Unix(), string(respHeadersJSON), resp.ContentType,
		resp.StatusCode, string(cacheControlJSON), resp.Body,
		string(headersJSON), req.Method, req.URL, key)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// RemoveEntry deletes every row with the given key.
func (s *Store) RemoveEntry(ctx context.Context, key string) (bool, error) {
	_, err := s.db.ExecContext(ctx, `DELETE FROM CacheItemTable WHERE key = ?`, key)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Prune first deletes rows whose expiry has passed, then -- if the
// remaining row count still exceeds maxItems -- deletes the oldest rows by
// lastAccessedTime until the count is within bounds. Idempotent and safe
// under concurrent invocation; SQL serializes the two phases.
func (s *Store) Prune(ctx context.Context, maxItems int) error {
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM CacheItemTable WHERE expiryTime < ?`, now); err != nil {
		return fmt.Errorf("cache: prune expired: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM CacheItemTable`).Scan(&count); err != nil {
		return fmt.Errorf("cache: prune count: %w", err)
	}
	if count <= maxItems {
		return nil
	}

	excess := count - maxItems
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM CacheItemTable WHERE id IN (
			SELECT id FROM CacheItemTable ORDER BY lastAccessedTime ASC LIMIT ?
		)`, excess)
	if err != nil {
		return fmt.Errorf("cache: prune lru: %w", err)
	}
	return nil
}

// ClearAll removes every row.
func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM CacheItemTable`)
	return err
}

func decodeEntry(key string, expiry, lastAccessed int64, responseHeadersJSON, responseContentType string,
	responseStatusCode int, responseCacheControlJSON string, responseData []byte,
	requestHeaderJSON, requestMethod, requestURL string) Entry {

	var reqHeaders map[string]string
	_ = json.Unmarshal([]byte(requestHeaderJSON), &reqHeaders)

	var respHeaders map[string]string
	_ = json.Unmarshal([]byte(responseHeadersJSON), &respHeaders)

	var cc CacheControl
	_ = json.Unmarshal([]byte(responseCacheControlJSON), &cc)

	return Entry{
		Key:              key,
		ExpiryTime:       time.Unix(expiry, 0),
		LastAccessedTime: time.Unix(lastAccessed, 0),
		Request: Request{
			Method:  requestMethod,
			URL:     requestURL,
			Headers: reqHeaders,
		},
		Response: Response{
			StatusCode:   responseStatusCode,
			Headers:      respHeaders,
			ContentType:  responseContentType,
			CacheControl: cc,
			Body:         responseData,
		},
	}
}
