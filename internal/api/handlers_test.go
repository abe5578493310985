package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cratis/internal/config"
	cerrors "cratis/internal/errors"
	"cratis/internal/ledger"
	"cratis/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) (*http.ServeMux, *vault.Vault) {
	t.Helper()
	cfg := config.Default()
	cfg.Backup.Root = t.TempDir()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "store")
	cfg.Storage.GCInterval = 0
	cfg.Advanced.MaxFileSizeMB = 1

	v, err := vault.Open(cfg, vault.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	mux := http.NewServeMux()
	NewHandler(v, nil).Register(mux)
	return mux, v
}

func do(mux http.Handler, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *cerrors.Error {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	return resp.Error
}

func upload(t *testing.T, mux http.Handler, path, content string) ledger.Record {
	t.Helper()
	rec := do(mux, http.MethodPut, "/api/files/"+path, []byte(content), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var r ledger.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&r))
	return r
}

func TestHealth(t *testing.T) {
	mux, _ := setupTestServer(t)
	rec := do(mux, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestUploadAndRestore(t *testing.T) {
	mux, _ := setupTestServer(t)

	first := upload(t, mux, "docs/report.md", "draft")
	second := upload(t, mux, "docs/report.md", "final")
	assert.Equal(t, "docs/report.md", second.Path)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   string
		wantType   cerrors.ErrorType
	}{
		{
			name:       "latest",
			target:     "/api/files/docs/report.md",
			wantStatus: http.StatusOK,
			wantBody:   "final",
		},
		{
			name:       "as of first version",
			target:     "/api/files/docs/report.md?at=" + FormatTime(first.Timestamp),
			wantStatus: http.StatusOK,
			wantBody:   "draft",
		},
		{
			name:       "before any version",
			target:     "/api/files/docs/report.md?at=" + FormatTime(first.Timestamp.Add(-time.Nanosecond)),
			wantStatus: http.StatusNotFound,
			wantType:   cerrors.ErrorTypeNoSuchVersion,
		},
		{
			name:       "unknown path",
			target:     "/api/files/missing.txt",
			wantStatus: http.StatusNotFound,
			wantType:   cerrors.ErrorTypeNoSuchVersion,
		},
		{
			name:       "bad time",
			target:     "/api/files/docs/report.md?at=yesterday-ish",
			wantStatus: http.StatusBadRequest,
			wantType:   cerrors.ErrorTypeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(mux, http.MethodGet, tt.target, nil, nil)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, decodeError(t, rec).Type)
				return
			}
			assert.Equal(t, tt.wantBody, rec.Body.String())
			assert.Equal(t, "644", rec.Header().Get(HeaderMode))
			assert.NotEmpty(t, rec.Header().Get(HeaderDigest))
		})
	}

	t.Run("timestamp header round trips", func(t *testing.T) {
		rec := do(mux, http.MethodGet, "/api/files/docs/report.md", nil, nil)
		ts, err := ParseTime(rec.Header().Get(HeaderTimestamp), time.Now())
		require.NoError(t, err)
		assert.True(t, ts.Equal(second.Timestamp))
	})
}

func TestUploadValidation(t *testing.T) {
	mux, _ := setupTestServer(t)

	t.Run("mode header", func(t *testing.T) {
		rec := do(mux, http.MethodPut, "/api/files/run.sh", []byte("#!/bin/sh"), map[string]string{HeaderMode: "755"})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = do(mux, http.MethodGet, "/api/files/run.sh", nil, nil)
		assert.Equal(t, "755", rec.Header().Get(HeaderMode))
	})

	t.Run("bad mode", func(t *testing.T) {
		rec := do(mux, http.MethodPut, "/api/files/a.txt", []byte("x"), map[string]string{HeaderMode: "rwx"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		rec := do(mux, http.MethodPut, "/api/files/big.bin", bytes.Repeat([]byte("x"), 1<<20+1), nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestHistoryAndPaths(t *testing.T) {
	mux, v := setupTestServer(t)

	first := upload(t, mux, "src/main.go", "package main")
	upload(t, mux, "src/main.go", "package main // v2")
	upload(t, mux, "README.md", "hi")

	t.Run("history", func(t *testing.T) {
		rec := do(mux, http.MethodGet, "/api/history/src/main.go", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var records []ledger.Record
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
		require.Len(t, records, 2)
		assert.True(t, records[0].Timestamp.Before(records[1].Timestamp))
	})

	t.Run("history window", func(t *testing.T) {
		target := "/api/history/src/main.go?to=" + FormatTime(first.Timestamp)
		rec := do(mux, http.MethodGet, target, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var records []ledger.Record
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
		assert.Len(t, records, 1)
	})

	t.Run("empty history is an empty list", func(t *testing.T) {
		rec := do(mux, http.MethodGet, "/api/history/nothing.txt", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("paths", func(t *testing.T) {
		rec := do(mux, http.MethodGet, "/api/paths", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `["README.md","src/main.go"]`, rec.Body.String())

		rec = do(mux, http.MethodGet, "/api/paths?root=src", nil, nil)
		assert.JSONEq(t, `["src/main.go"]`, rec.Body.String())

		rec = do(mux, http.MethodGet, "/api/paths?at="+FormatTime(first.Timestamp), nil, nil)
		assert.JSONEq(t, `["src/main.go"]`, rec.Body.String())
	})

	t.Run("status", func(t *testing.T) {
		rec := do(mux, http.MethodGet, "/api/status", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var st vault.Status
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
		assert.Equal(t, 3, st.Versions)
		assert.Equal(t, v.Root(), st.Root)
	})
}

func TestTree(t *testing.T) {
	mux, _ := setupTestServer(t)

	upload(t, mux, "src/a.go", "a")
	upload(t, mux, "src/b.go", "b")
	upload(t, mux, "other.txt", "o")

	rec := do(mux, http.MethodGet, "/api/tree?root=src", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	files := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		var chunk TreeChunk
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &chunk))
		require.Nil(t, chunk.Error)
		assert.Empty(t, chunk.Failures)
		for p, data := range chunk.Files {
			files[p] = string(data)
		}
	}
	assert.Equal(t, map[string]string{"src/a.go": "a", "src/b.go": "b"}, files)
}

func TestMetrics(t *testing.T) {
	mux, _ := setupTestServer(t)
	upload(t, mux, "a.txt", "a")

	rec := do(mux, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cratis_ingest_commits_total")
}

func TestParseTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "", want: time.Time{}},
		{in: "latest", want: time.Time{}},
		{in: "2024-04-30T10:00:00Z", want: time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)},
		{in: "1714564800000000000", want: time.Unix(0, 1714564800000000000).UTC()},
		{in: "90m", want: now.Add(-90 * time.Minute)},
		{in: "2024-04-30", want: time.Date(2024, 4, 30, 0, 0, 0, 0, time.Local)},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in, now)
			if tt.wantErr {
				assert.Equal(t, cerrors.ErrorTypeValidation, cerrors.TypeOf(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}

	assert.Equal(t, "", FormatTime(time.Time{}))
	assert.Equal(t, "1000", FormatTime(time.Unix(0, 1000)))
}
