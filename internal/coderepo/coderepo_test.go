package coderepo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namnv2496/go-codelab/internal/model"
)

func sampleRepo() *model.CodeRepository {
	return &model.CodeRepository{
		Path: "",
		Sub: []model.CodeRepository{
			{Path: "main.py", Content: model.Ptr("from src.factorial import factorial\n")},
			{Path: "src", Sub: []model.CodeRepository{
				{Path: "__init__.py", Content: model.Ptr("")},
				{Path: "factorial.py", Content: model.Ptr("def factorial(n): ...\n")},
			}},
		},
	}
}

func TestPull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/s-1/exercises/e-1/repository", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sampleRepo())
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", time.Second, nil)
	repo, err := c.Pull(context.Background(), "e-1", "s-1")
	require.NoError(t, err)
	assert.Equal(t, 3, repo.Files())
	assert.Equal(t, "src", repo.Sub[1].Path)
}

func TestPullFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		message string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			message: "unexpected status 502: boom",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{"))
			},
			message: "decode response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(srv.URL, "", time.Second, nil).Pull(context.Background(), "e-1", "s-1")
			require.Error(t, err)
			assert.True(t, IsPullError(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestPullTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", 20*time.Millisecond, nil).Pull(context.Background(), "e-1", "s-1")
	assert.True(t, IsPullError(err))
}

func TestMaterializeReplacesContents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.py"), []byte("old"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "old", "pkg"), 0o755))
	before, err := os.Stat(dir)
	require.NoError(t, err)

	require.NoError(t, Materialize(dir, sampleRepo()))

	assert.NoFileExists(t, filepath.Join(dir, "stale.py"))
	assert.NoDirExists(t, filepath.Join(dir, "old"))
	assert.FileExists(t, filepath.Join(dir, "src", "__init__.py"))

	content, err := os.ReadFile(filepath.Join(dir, "src", "factorial.py"))
	require.NoError(t, err)
	assert.Equal(t, "def factorial(n): ...\n", string(content))

	after, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "mount dir itself is kept")
}

func TestMaterializeRejectsEscapingPaths(t *testing.T) {
	repo := &model.CodeRepository{Sub: []model.CodeRepository{
		{Path: "../evil.sh", Content: model.Ptr("rm -rf /")},
	}}
	err := Materialize(t.TempDir(), repo)
	assert.ErrorContains(t, err, "escapes the mount dir")
}

func TestMaterializeRequiresRepository(t *testing.T) {
	assert.Error(t, Materialize(t.TempDir(), nil))
}
