// Package client talks to a running cratis daemon over HTTP.
package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cratis/internal/api"
	cerrors "cratis/internal/errors"
	"cratis/internal/ingest"
	"cratis/internal/ledger"
	"cratis/internal/restore"
	"cratis/internal/safe"
	"cratis/internal/vault"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// Close exists so a Client can stand in for a local vault.
func (c *Client) Close() error {
	return nil
}

// Ping checks that the daemon is up.
func (c *Client) Ping() error {
	resp, err := c.do(http.MethodGet, "/health", nil, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) Status() (vault.Status, error) {
	var st vault.Status
	err := c.getJSON("/api/status", nil, &st)
	return st, err
}

// Scan asks the daemon to reconcile its ledger with the disk.
func (c *Client) Scan() (ingest.ScanStats, error) {
	var stats ingest.ScanStats
	resp, err := c.do(http.MethodPost, "/api/scan", nil, nil, nil)
	if err != nil {
		return stats, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&stats)
	return stats, err
}

// Upload stores data as a new version of path.
func (c *Client) Upload(path string, data []byte, mode fs.FileMode) (ledger.Record, error) {
	var rec ledger.Record
	header := http.Header{}
	if mode != 0 {
		header.Set(api.HeaderMode, strconv.FormatUint(uint64(mode.Perm()), 8))
	}
	resp, err := c.do(http.MethodPut, "/api/files/"+escapePath(path), nil, header, bytes.NewReader(data))
	if err != nil {
		return rec, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&rec)
	return rec, err
}

// RestoreFile fetches path as of ts. A zero ts means the latest version.
func (c *Client) RestoreFile(path string, ts time.Time) (ledger.Record, []byte, error) {
	rec := ledger.Record{Path: path}
	resp, err := c.do(http.MethodGet, "/api/files/"+escapePath(path), timeQuery("at", ts), nil, nil)
	if err != nil {
		return rec, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return rec, nil, cerrors.IOFailure("reading response", err)
	}

	if n, err := strconv.ParseInt(resp.Header.Get(api.HeaderTimestamp), 10, 64); err == nil {
		rec.Timestamp = time.Unix(0, n).UTC()
	}
	if m, err := strconv.ParseUint(resp.Header.Get(api.HeaderMode), 8, 32); err == nil {
		rec.Mode = fs.FileMode(m)
	}
	rec.Digest = safe.Digest(resp.Header.Get(api.HeaderDigest))
	rec.Size = int64(len(data))
	return rec, data, nil
}

// History lists the versions of path with timestamps in [from, to].
func (c *Client) History(path string, from, to time.Time) ([]ledger.Record, error) {
	q := timeQuery("from", from)
	for k, v := range timeQuery("to", to) {
		q[k] = v
	}
	var records []ledger.Record
	err := c.getJSON("/api/history/"+escapePath(path), q, &records)
	return records, err
}

// ListPaths lists the paths live under root at ts.
func (c *Client) ListPaths(ts time.Time, root string) ([]string, error) {
	q := timeQuery("at", ts)
	if root != "" {
		q.Set("root", root)
	}
	var paths []string
	err := c.getJSON("/api/paths", q, &paths)
	return paths, err
}

// EachChunk streams the tree under root as of ts.
func (c *Client) EachChunk(root string, ts time.Time, fn func(*restore.TreeResult) error) error {
	q := timeQuery("at", ts)
	if root != "" {
		q.Set("root", root)
	}
	resp, err := c.do(http.MethodGet, "/api/tree", q, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var line api.TreeChunk
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return cerrors.IOFailure("decoding tree stream", err)
		}
		if line.Error != nil {
			return line.Error
		}

		chunk := newResult(root, ts)
		for p, e := range line.Failures {
			chunk.Failures[p] = e
		}
		for p, data := range line.Files {
			// Paths come off the wire; keep them inside the tree.
			clean, err := ledger.CleanPath(p)
			if err != nil {
				chunk.Failures[p] = err
				continue
			}
			chunk.Files[clean] = data
			chunk.Records[clean] = line.Records[p]
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

// RestoreTree collects the whole tree under root as of ts.
func (c *Client) RestoreTree(root string, ts time.Time) (*restore.TreeResult, error) {
	result := newResult(root, ts)
	err := c.EachChunk(root, ts, func(chunk *restore.TreeResult) error {
		for p, data := range chunk.Files {
			result.Files[p] = data
			result.Records[p] = chunk.Records[p]
		}
		for p, err := range chunk.Failures {
			result.Failures[p] = err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Materialize fetches the tree under root as of ts and writes it into the
// local directory dest.
func (c *Client) Materialize(root string, ts time.Time, dest string) (*restore.TreeResult, error) {
	if dest == "" {
		return nil, cerrors.ValidationError("destination directory is required", nil)
	}
	result := newResult(root, ts)
	err := c.EachChunk(root, ts, func(chunk *restore.TreeResult) error {
		for p, err := range chunk.Failures {
			result.Failures[p] = err
		}
		for p, data := range chunk.Files {
			rec := chunk.Records[p]
			target := filepath.Join(dest, filepath.FromSlash(p))
			if err := restore.WriteFile(target, data, rec.Mode); err != nil {
				result.Failures[p] = cerrors.IOFailure("writing "+target, err)
				continue
			}
			result.Records[p] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func newResult(root string, ts time.Time) *restore.TreeResult {
	return &restore.TreeResult{
		Root:     root,
		At:       ts,
		Files:    make(map[string][]byte),
		Records:  make(map[string]ledger.Record),
		Failures: make(map[string]error),
	}
}

func (c *Client) getJSON(path string, q url.Values, out any) error {
	resp, err := c.do(http.MethodGet, path, q, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// do sends a request and turns any non 2xx response into a *cerrors.Error,
// so callers can match it with errors.Is against the usual sentinels.
func (c *Client) do(method, path string, q url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var errResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == nil {
		return nil, &cerrors.Error{
			Type:    typeForStatus(resp.StatusCode),
			Message: fmt.Sprintf("%s %s: unexpected status: %s", method, path, resp.Status),
			Code:    resp.StatusCode,
		}
	}
	errResp.Error.Code = resp.StatusCode
	return nil, errResp.Error
}

func typeForStatus(code int) cerrors.ErrorType {
	switch code {
	case http.StatusUnauthorized:
		return cerrors.ErrorTypeUnauthorized
	case http.StatusBadRequest:
		return cerrors.ErrorTypeValidation
	default:
		return cerrors.ErrorTypeInternal
	}
}

func timeQuery(name string, ts time.Time) url.Values {
	q := url.Values{}
	if s := api.FormatTime(ts); s != "" {
		q.Set(name, s)
	}
	return q
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
