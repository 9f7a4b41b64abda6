package docstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/model"
)

// insertConflictRetries bounds the fetch-merge-put loop when two workers
// upsert the same key concurrently.
const insertConflictRetries = 3

// CouchDBError carries the HTTP status CouchDB answered with, so callers
// can distinguish conflicts and missing documents from real failures.
type CouchDBError struct {
	StatusCode int
	Op         string
	Reason     string
}

func (e *CouchDBError) Error() string {
	return fmt.Sprintf("couchdb %s failed with status %d: %s", e.Op, e.StatusCode, e.Reason)
}

// couchErr wraps a kivik error, preserving the HTTP status when present.
func couchErr(op string, err error) error {
	if status := kivik.HTTPStatus(err); status != 0 {
		return &CouchDBError{StatusCode: status, Op: op, Reason: err.Error()}
	}
	return fmt.Errorf("couchdb %s: %w", op, err)
}

// CouchDBConfig holds the connection settings for the CouchDB driver.
// Credentials may be embedded in the URL or given separately.
type CouchDBConfig struct {
	URL      string
	Username string
	Password string
	DBPrefix string
}

// CouchDBStore is a Store backed by one CouchDB database per collection
// ("{prefix}_archives", "{prefix}_messages", ...). Mango selectors pass
// through to CouchDB unchanged; the required indexes are created at
// startup. The kivik client pools connections and is safe for concurrent
// use.
type CouchDBStore struct {
	client *kivik.Client
	dbs    map[string]*kivik.DB
	prefix string
}

var _ Store = (*CouchDBStore)(nil)

// collectionIndexes lists the indexed fields per collection. One
// single-field JSON index each, which covers the equality and range
// selectors the pipeline issues.
var collectionIndexes = map[string][]string{
	model.CollectionArchives:  {"source", "file_hash", "status", "last_updated"},
	model.CollectionMessages:  {"archive_id", "thread_id", "status", "last_updated"},
	model.CollectionChunks:    {"message_id", "embedding_generated", "status", "last_updated"},
	model.CollectionThreads:   {"archive_id", "summary_id", "status"},
	model.CollectionSummaries: {"thread_id", "summary_type"},
}

// NewCouchDBStore connects to CouchDB, creates any missing collection
// databases and their indexes, and returns the ready store.
func NewCouchDBStore(ctx context.Context, config CouchDBConfig) (*CouchDBStore, error) {
	url := connectionURL(config)
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	prefix := config.DBPrefix
	if prefix == "" {
		prefix = "copilot"
	}

	store := &CouchDBStore{
		client: client,
		dbs:    make(map[string]*kivik.DB, len(model.Collections)),
		prefix: prefix,
	}

	for _, collection := range model.Collections {
		dbName := prefix + "_" + collection
		exists, err := client.DBExists(ctx, dbName)
		if err != nil {
			return nil, couchErr("check database "+dbName, err)
		}
		if !exists {
			if err := client.CreateDB(ctx, dbName); err != nil {
				// Another worker may have won the race.
				if kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
					return nil, couchErr("create database "+dbName, err)
				}
			}
		}
		db := client.DB(dbName)
		store.dbs[collection] = db

		for _, field := range collectionIndexes[collection] {
			if err := createIndex(ctx, db, collection, field); err != nil {
				return nil, err
			}
		}
	}

	return store, nil
}

// connectionURL injects separate credentials into the URL when it does not
// already carry them.
func connectionURL(config CouchDBConfig) string {
	url := config.URL
	if config.Username != "" && config.Password != "" && !strings.Contains(url, "@") {
		parts := strings.SplitN(url, "://", 2)
		if len(parts) == 2 {
			url = fmt.Sprintf("%s://%s:%s@%s", parts[0], config.Username, config.Password, parts[1])
		}
	}
	return url
}

func createIndex(ctx context.Context, db *kivik.DB, collection, field string) error {
	indexDef := map[string]interface{}{
		"index": map[string]interface{}{
			"fields": []string{field},
		},
		"name": fmt.Sprintf("%s-%s-idx", collection, field),
		"type": "json",
	}
	if err := db.CreateIndex(ctx, "", "", indexDef); err != nil {
		return couchErr(fmt.Sprintf("create index %s.%s", collection, field), err)
	}
	return nil
}

func (s *CouchDBStore) db(collection string) (*kivik.DB, error) {
	db, ok := s.dbs[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return db, nil
}

// Insert implements Store. The merge runs under CouchDB's MVCC: fetch the
// current revision, apply the insert-merge rule, put with that revision,
// and retry on a 409 when a concurrent writer got there first.
func (s *CouchDBStore) Insert(ctx context.Context, collection string, doc map[string]interface{}) (string, error) {
	db, err := s.db(collection)
	if err != nil {
		return "", err
	}
	key, err := resolveKey(collection, doc)
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		existing, rev, err := s.getWithRev(ctx, db, key)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return "", err
		}

		var toWrite map[string]interface{}
		if existing == nil {
			toWrite = cloneDoc(doc)
			toWrite["_id"] = key
			toWrite[model.FieldLastUpdated] = time.Now().UTC().Format(time.RFC3339Nano)
		} else {
			incoming := cloneDoc(doc)
			toWrite = existing
			mergeOnInsert(toWrite, incoming)
			toWrite["_rev"] = rev
		}

		if _, err := db.Put(ctx, key, toWrite); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict && attempt < insertConflictRetries {
				continue
			}
			return "", couchErr("insert "+collection+"/"+key, err)
		}
		return key, nil
	}
}

// Get implements Store. The CouchDB revision is stripped; it is a driver
// detail callers never see.
func (s *CouchDBStore) Get(ctx context.Context, collection, key string) (map[string]interface{}, error) {
	db, err := s.db(collection)
	if err != nil {
		return nil, err
	}
	doc, _, err := s.getWithRev(ctx, db, key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, common.ErrNotFound)
	}
	delete(doc, "_rev")
	return doc, nil
}

// getWithRev fetches a document and its revision. A missing document is
// reported as common.ErrNotFound; Insert and Update treat that case as
// "no existing document" rather than a failure.
func (s *CouchDBStore) getWithRev(ctx context.Context, db *kivik.DB, key string) (map[string]interface{}, string, error) {
	row := db.Get(ctx, key)
	if err := row.Err(); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, "", common.ErrNotFound
		}
		return nil, "", couchErr("get "+key, err)
	}

	var doc map[string]interface{}
	if err := row.ScanDoc(&doc); err != nil {
		return nil, "", fmt.Errorf("failed to scan document %s: %w", key, err)
	}
	rev, _ := doc["_rev"].(string)
	return doc, rev, nil
}

// Query implements Store via a Mango Find. The filter map is the selector.
func (s *CouchDBStore) Query(ctx context.Context, collection string, filter Filter, limit int) ([]map[string]interface{}, error) {
	db, err := s.db(collection)
	if err != nil {
		return nil, err
	}

	selector := map[string]interface{}(filter)
	if selector == nil {
		selector = map[string]interface{}{}
	}

	params := map[string]interface{}{}
	if limit > 0 {
		params["limit"] = limit
	}

	rows := db.Find(ctx, selector, kivik.Params(params))
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		var doc map[string]interface{}
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		delete(doc, "_rev")
		results = append(results, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, couchErr("query "+collection, err)
	}
	return results, nil
}

// Update implements Store with the same fetch-merge-put loop as Insert.
func (s *CouchDBStore) Update(ctx context.Context, collection, key string, patch map[string]interface{}) (bool, error) {
	if err := validatePatch(collection, patch); err != nil {
		return false, err
	}
	db, err := s.db(collection)
	if err != nil {
		return false, err
	}

	for attempt := 0; ; attempt++ {
		doc, rev, err := s.getWithRev(ctx, db, key)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return false, nil
			}
			return false, err
		}

		applyPatch(doc, patch)
		doc["_rev"] = rev

		if _, err := db.Put(ctx, key, doc); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict && attempt < insertConflictRetries {
				continue
			}
			return false, couchErr("update "+collection+"/"+key, err)
		}
		return true, nil
	}
}

// Delete implements Store. Retention use only.
func (s *CouchDBStore) Delete(ctx context.Context, collection, key string) (bool, error) {
	db, err := s.db(collection)
	if err != nil {
		return false, err
	}

	_, rev, err := s.getWithRev(ctx, db, key)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := db.Delete(ctx, key, rev); err != nil {
		return false, couchErr("delete "+collection+"/"+key, err)
	}
	return true, nil
}

// Count implements Store. CouchDB has no Mango count, so this projects the
// _id field only and counts rows client-side.
func (s *CouchDBStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	db, err := s.db(collection)
	if err != nil {
		return 0, err
	}

	selector := map[string]interface{}(filter)
	if selector == nil {
		selector = map[string]interface{}{}
	}

	rows := db.Find(ctx, selector, kivik.Params(map[string]interface{}{
		"fields": []string{"_id"},
	}))
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, couchErr("count "+collection, err)
	}
	return count, nil
}

// Close implements Store.
func (s *CouchDBStore) Close() error {
	return s.client.Close()
}
