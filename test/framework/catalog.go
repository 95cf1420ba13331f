package framework

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/coldpoint/permafrost/pkg/catalog"
)

// Catalog is an in-memory file catalog serving the slice of the API
// the pipeline uses: membership queries with $eq and $regex filters,
// record fetch, create with conflict detection, replace, and
// deduplicated location appends. Query results come back in logical
// name order so bundle membership is deterministic across runs.
type Catalog struct {
	URL string

	mu      sync.Mutex
	records map[string]*catalog.Record
}

// NewCatalog starts an empty catalog.
func NewCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := &Catalog{records: make(map[string]*catalog.Record)}
	srv := httptest.NewServer(c.routes())
	t.Cleanup(srv.Close)
	c.URL = srv.URL
	return c
}

// Add seeds one record.
func (c *Catalog) Add(rec *catalog.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.UUID] = rec
}

// Get returns a copy of one record.
func (c *Catalog) Get(uuid string) (catalog.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[uuid]
	if !ok {
		return catalog.Record{}, false
	}
	out := *rec
	out.Locations = append([]catalog.Location(nil), rec.Locations...)
	return out, true
}

// Locations returns the locations a file has at one site.
func (c *Catalog) Locations(uuid, site string) []catalog.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[uuid]
	if !ok {
		return nil
	}
	var locs []catalog.Location
	for _, loc := range rec.Locations {
		if loc.Site == site {
			locs = append(locs, loc)
		}
	}
	return locs
}

// Len reports how many records the catalog holds.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// query is the subset of MongoDB filter syntax the pipeline sends.
type query struct {
	Site        *struct{ Eq string `json:"$eq"` }    `json:"locations.site"`
	Archive     *struct{ Eq bool `json:"$eq"` }      `json:"locations.archive"`
	LogicalName *struct{ Regex string `json:"$regex"` } `json:"logical_name"`
}

func (q *query) matches(rec *catalog.Record) bool {
	if q.Site != nil {
		found := false
		for _, loc := range rec.Locations {
			if loc.Site == q.Site.Eq {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Archive != nil {
		found := false
		for _, loc := range rec.Locations {
			if loc.Archive == q.Archive.Eq {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.LogicalName != nil {
		re, err := regexp.Compile(q.LogicalName.Regex)
		if err != nil || !re.MatchString(rec.LogicalName) {
			return false
		}
	}
	return true
}

func (c *Catalog) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/files", func(w http.ResponseWriter, r *http.Request) {
		var q query
		if raw := r.URL.Query().Get("query"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &q); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"message": "unparseable query"})
				return
			}
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))

		c.mu.Lock()
		var matched []*catalog.Record
		for _, rec := range c.records {
			if q.matches(rec) {
				matched = append(matched, rec)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].LogicalName < matched[j].LogicalName
		})
		files := make([]catalog.FileInfo, 0, len(matched))
		for i := start; i < len(matched); i++ {
			if limit > 0 && len(files) >= limit {
				break
			}
			rec := matched[i]
			files = append(files, catalog.FileInfo{
				UUID:        rec.UUID,
				LogicalName: rec.LogicalName,
				FileSize:    rec.FileSize,
				Checksum:    rec.Checksum,
				Locations:   append([]catalog.Location(nil), rec.Locations...),
			})
		}
		c.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{"files": files})
	})

	mux.HandleFunc("GET /api/files/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		rec, ok := c.Get(r.PathValue("uuid"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("POST /api/files", func(w http.ResponseWriter, r *http.Request) {
		var rec catalog.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec.UUID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad record"})
			return
		}
		c.mu.Lock()
		_, exists := c.records[rec.UUID]
		if !exists {
			c.records[rec.UUID] = &rec
		}
		c.mu.Unlock()
		if exists {
			writeJSON(w, http.StatusConflict, map[string]any{"message": "record already exists"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"uuid": rec.UUID})
	})

	mux.HandleFunc("PATCH /api/files/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		rec, ok := c.records[r.PathValue("uuid")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "not found"})
			return
		}
		// Merge semantics: fields present in the body replace the
		// stored ones, which is what the idempotent register fallback
		// relies on.
		merged := *rec
		if err := json.NewDecoder(r.Body).Decode(&merged); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad patch"})
			return
		}
		merged.UUID = rec.UUID
		c.records[rec.UUID] = &merged
		writeJSON(w, http.StatusOK, merged)
	})

	mux.HandleFunc("POST /api/files/{uuid}/locations", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Locations []catalog.Location `json:"locations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad locations"})
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		rec, ok := c.records[r.PathValue("uuid")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "not found"})
			return
		}
		for _, loc := range body.Locations {
			dup := false
			for _, have := range rec.Locations {
				if have.Site == loc.Site && have.Path == loc.Path {
					dup = true
					break
				}
			}
			if !dup {
				rec.Locations = append(rec.Locations, loc)
			}
		}
		writeJSON(w, http.StatusOK, rec)
	})

	return mux
}
