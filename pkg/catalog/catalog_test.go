package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestFindArchivedPagesAndFilters(t *testing.T) {
	const total = 25

	var queries []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/files", r.URL.Path)

		var query map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("query")), &query))
		queries = append(queries, query)

		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		require.NoError(t, err)
		start, err := strconv.Atoi(r.URL.Query().Get("start"))
		require.NoError(t, err)

		files := []FileInfo{}
		for i := start; i < start+limit && i < total; i++ {
			files = append(files, FileInfo{
				UUID:        fmt.Sprintf("fc-%03d", i),
				LogicalName: fmt.Sprintf("/data/exp/file-%03d.tar", i),
				FileSize:    1024,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"files": files})
	}))
	defer srv.Close()

	client := New(srv.URL, WithPageSize(10))
	files, err := client.FindArchived(context.Background(), "NERSC", "/data/exp")
	require.NoError(t, err)
	assert.Len(t, files, total)
	assert.Equal(t, "fc-000", files[0].UUID)

	// 25 records at page size 10 means three requests.
	require.Len(t, queries, 3)
	query := queries[0]
	assert.Equal(t, map[string]any{"$eq": true}, query["locations.archive"])
	assert.Equal(t, map[string]any{"$eq": "NERSC"}, query["locations.site"])
	assert.Equal(t, map[string]any{"$regex": "^/data/exp"}, query["logical_name"])
}

func TestFindFilesEscapesPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var query map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("query")), &query))
		regex := query["logical_name"].(map[string]any)["$regex"]
		assert.Equal(t, `^/data/exp/2023\.5`, regex)
		json.NewEncoder(w).Encode(map[string]any{"files": []FileInfo{}})
	}))
	defer srv.Close()

	_, err := New(srv.URL).FindFiles(context.Background(), "WIPAC", "/data/exp/2023.5")
	require.NoError(t, err)
}

func TestGetFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files/fc-1":
			json.NewEncoder(w).Encode(Record{
				UUID:        "fc-1",
				LogicalName: "/data/exp/file.tar",
				FileSize:    2048,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"message": "no such record"})
		}
	}))
	defer srv.Close()

	client := New(srv.URL)
	rec, err := client.GetFile(context.Background(), "fc-1")
	require.NoError(t, err)
	assert.Equal(t, "/data/exp/file.tar", rec.LogicalName)

	_, err = client.GetFile(context.Background(), "fc-2")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsNotFound())
	assert.Contains(t, apiErr.Error(), "no such record")
}

func TestRegisterFileFallsBackToPatch(t *testing.T) {
	var patched Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/files":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"message": "record exists"})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/files/b-1":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	online := false
	rec := &Record{
		UUID:        "b-1",
		LogicalName: "/hpss/archive/b-1.zip",
		FileSize:    4096,
		Locations: []Location{
			{Site: "NERSC", Path: "/hpss/archive/b-1.zip", HPSS: true, Online: &online},
		},
	}
	require.NoError(t, New(srv.URL).RegisterFile(context.Background(), rec))

	// The PATCH body must not carry the uuid.
	assert.Empty(t, patched.UUID)
	assert.Equal(t, "/hpss/archive/b-1.zip", patched.LogicalName)
	require.Len(t, patched.Locations, 1)
	assert.True(t, patched.Locations[0].HPSS)
	require.NotNil(t, patched.Locations[0].Online)
	assert.False(t, *patched.Locations[0].Online)
}

func TestAddLocation(t *testing.T) {
	var body map[string][]Location
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/files/fc-9/locations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := New(srv.URL).AddLocation(context.Background(), "fc-9",
		Location{Site: "NERSC", Path: "/hpss/archive/b-1.zip:/data/exp/file.tar", Archive: true})
	require.NoError(t, err)
	require.Len(t, body["locations"], 1)
	assert.True(t, body["locations"][0].Archive)
}

func TestBearerTokenAttached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer catalog-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"files": []FileInfo{}})
	}))
	defer srv.Close()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "catalog-token"})
	_, err := New(srv.URL, WithTokenSource(ts)).FindFiles(context.Background(), "WIPAC", "/data")
	require.NoError(t, err)
}
