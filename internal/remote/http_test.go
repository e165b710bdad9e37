package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientListChildren(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/folders/folder-1/children", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("maxItems"))
		assert.Equal(t, "50", r.URL.Query().Get("skipCount"))
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(pageJSON{
			Entries: []entryJSON{{
				ID:        "doc-1",
				Name:      "a.pdf",
				NodeType:  "document",
				IsFile:    true,
				ParentID:  "folder-1",
				Path:      "/cases/acme/a.pdf",
				CreatedAt: created,
			}},
			HasMore: true,
			Total:   51,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token", nil, nil)

	page, err := c.ListChildren(context.Background(), "folder-1", Paging{MaxItems: 25, SkipCount: 50})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "doc-1", page.Entries[0].ID)
	assert.True(t, page.Entries[0].IsFile)
	assert.True(t, page.Entries[0].CreatedAt.Equal(created))
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(51), page.Total)
}

func TestHTTPClientSearchRequestShape(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fulltext", body["dialect"])
		assert.Equal(t, "+DOCTYPE:(INV)", body["statement"])
		assert.Equal(t, float64(100), body["maxItems"])

		json.NewEncoder(w).Encode(pageJSON{})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", nil, nil)

	page, err := c.Search(context.Background(), Query{
		Dialect:   DialectFullText,
		Statement: "+DOCTYPE:(INV)",
	}, Paging{MaxItems: 100})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}

func TestHTTPClientMove(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/nodes/node-9/move", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dest-3", body["targetFolderId"])
		_, renamed := body["newName"]
		assert.False(t, renamed)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", nil, nil)
	require.NoError(t, c.Move(context.Background(), "node-9", "dest-3", ""))
}

func TestHTTPClientCreateFolder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/folders/parent-1/folders", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "invoices", body["name"])

		json.NewEncoder(w).Encode(map[string]string{"id": "new-folder-1"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", nil, nil)

	id, err := c.CreateFolder(context.Background(), "parent-1", "invoices", map[string]string{"origin": "migration"})
	require.NoError(t, err)
	assert.Equal(t, "new-folder-1", id)
}

func TestHTTPClientFolderByRelativePath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/folders/root-1/path", r.URL.Path)
		assert.Equal(t, "invoices/acme co", r.URL.Query().Get("relativePath"))

		json.NewEncoder(w).Encode(map[string]string{"id": "folder-7"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", nil, nil)

	id, err := c.FolderByRelativePath(context.Background(), "root-1", "invoices/acme co")
	require.NoError(t, err)
	assert.Equal(t, "folder-7", id)
}

func TestHTTPClientErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusInternalServerError, ErrServerError},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))

		c := NewHTTPClient(srv.URL, "", nil, nil)
		err := c.Ping(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, tc.want), "status %d", tc.status)

		var re *RepoError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, tc.status, re.StatusCode)
		assert.Contains(t, re.Message, "nope")

		srv.Close()
	}
}
