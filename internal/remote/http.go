package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// HTTPClient is the concrete JSON/REST implementation of Repository.
// It performs single attempts only; retry, breaker and bulkhead policies
// are layered on top by ResilientClient.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates a repository client for the given API base URL.
func NewHTTPClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

var _ Repository = (*HTTPClient)(nil)

type entryJSON struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	NodeType   string            `json:"nodeType"`
	IsFolder   bool              `json:"isFolder"`
	IsFile     bool              `json:"isFile"`
	ParentID   string            `json:"parentId"`
	Path       string            `json:"path"`
	CreatedAt  time.Time         `json:"createdAt"`
	Properties map[string]string `json:"properties,omitempty"`
}

type pageJSON struct {
	Entries []entryJSON `json:"entries"`
	HasMore bool        `json:"hasMore"`
	Total   int64       `json:"total"`
}

func (p *pageJSON) toPage() *Page {
	out := &Page{
		Entries: make([]Entry, 0, len(p.Entries)),
		HasMore: p.HasMore,
		Total:   p.Total,
	}
	for _, e := range p.Entries {
		out.Entries = append(out.Entries, Entry(e))
	}

	return out
}

// Ping checks connectivity and authentication.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/ping", nil, nil)
}

// ListChildren returns one page of the direct children of a folder.
func (c *HTTPClient) ListChildren(ctx context.Context, folderID string, paging Paging) (*Page, error) {
	path := fmt.Sprintf("/folders/%s/children?maxItems=%s&skipCount=%s",
		url.PathEscape(folderID),
		strconv.Itoa(paging.MaxItems),
		strconv.Itoa(paging.SkipCount),
	)

	var page pageJSON
	if err := c.do(ctx, "listChildren", http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}

	return page.toPage(), nil
}

// Search executes a query in the given dialect and returns one page of hits.
func (c *HTTPClient) Search(ctx context.Context, q Query, paging Paging) (*Page, error) {
	body := map[string]any{
		"dialect":   string(q.Dialect),
		"statement": q.Statement,
		"maxItems":  paging.MaxItems,
		"skipCount": paging.SkipCount,
	}

	var page pageJSON
	if err := c.do(ctx, "search", http.MethodPost, "/search", body, &page); err != nil {
		return nil, err
	}

	return page.toPage(), nil
}

// Move relocates a node under the target folder, optionally renaming it.
func (c *HTTPClient) Move(ctx context.Context, nodeID, targetFolderID, newName string) error {
	body := map[string]any{"targetFolderId": targetFolderID}
	if newName != "" {
		body["newName"] = newName
	}

	path := fmt.Sprintf("/nodes/%s/move", url.PathEscape(nodeID))
	return c.do(ctx, "move", http.MethodPost, path, body, nil)
}

// CreateFolder creates a child folder and returns its new node id.
func (c *HTTPClient) CreateFolder(ctx context.Context, parentID, name string, props map[string]string) (string, error) {
	body := map[string]any{"name": name}
	if len(props) > 0 {
		body["properties"] = props
	}

	var out struct {
		ID string `json:"id"`
	}

	path := fmt.Sprintf("/folders/%s/folders", url.PathEscape(parentID))
	if err := c.do(ctx, "createFolder", http.MethodPost, path, body, &out); err != nil {
		return "", err
	}

	return out.ID, nil
}

// CreateFile creates an empty file node and returns its new node id.
func (c *HTTPClient) CreateFile(ctx context.Context, parentID, name string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}

	path := fmt.Sprintf("/folders/%s/files", url.PathEscape(parentID))
	if err := c.do(ctx, "createFile", http.MethodPost, path, map[string]any{"name": name}, &out); err != nil {
		return "", err
	}

	return out.ID, nil
}

// UpdateProperties replaces metadata properties on a node.
func (c *HTTPClient) UpdateProperties(ctx context.Context, nodeID string, props map[string]string) error {
	path := fmt.Sprintf("/nodes/%s/properties", url.PathEscape(nodeID))
	return c.do(ctx, "updateProperties", http.MethodPut, path, props, nil)
}

// FolderByRelativePath resolves a folder id by its path relative to rootID.
// Returns ErrNotFound (wrapped) when no folder exists at that path.
func (c *HTTPClient) FolderByRelativePath(ctx context.Context, rootID, relPath string) (string, error) {
	path := fmt.Sprintf("/folders/%s/path?relativePath=%s",
		url.PathEscape(rootID), url.QueryEscape(relPath))

	var out struct {
		ID string `json:"id"`
	}

	if err := c.do(ctx, "folderByRelativePath", http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}

	return out.ID, nil
}

// do executes one HTTP request and decodes the JSON response into out.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: %s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote: %s: building request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		msg, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			msg = []byte("(failed to read response body)")
		}

		c.logger.Debug("request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
		)

		return &RepoError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    string(msg),
			Err:        sentinel,
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remote: %s: decoding response: %w", op, err)
		}
	}

	return nil
}
