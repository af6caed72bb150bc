package repofetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prediction-platform/internal/models"
)

func TestRawURL(t *testing.T) {
	cases := []struct {
		repo, path, want string
	}{
		{"https://github.com/acme/models", "train.py", "https://raw.githubusercontent.com/acme/models/HEAD/train.py"},
		{"https://github.com/acme/models.git", "src/train.py", "https://raw.githubusercontent.com/acme/models/HEAD/src/train.py"},
		{"https://github.com/acme/models/tree/v2", "train.py", "https://raw.githubusercontent.com/acme/models/v2/train.py"},
		{"https://git.example.com/raw/acme/", "train.py", "https://git.example.com/raw/acme/train.py"},
	}
	for _, tc := range cases {
		got, err := RawURL(tc.repo, tc.path)
		require.NoError(t, err, tc.repo)
		assert.Equal(t, tc.want, got)
	}

	_, err := RawURL("https://github.com/acme", "x.py")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCleanPath(t *testing.T) {
	got, err := CleanPath("./src/../train.py")
	require.NoError(t, err)
	assert.Equal(t, "train.py", got)

	for _, bad := range []string{"", "/etc/passwd", "../secret", "a/../../b", "."} {
		_, err := CleanPath(bad)
		assert.ErrorIs(t, err, models.ErrValidation, bad)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repo/predict.py":
			_, _ = w.Write([]byte("print('hi')"))
		case "/repo/big.txt":
			_, _ = w.Write(make([]byte, 64))
		case "/repo/boom.py":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second, 32)
	ctx := context.Background()

	body, err := f.Fetch(ctx, srv.URL+"/repo", "predict.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(body))

	_, err = f.Fetch(ctx, srv.URL+"/repo", "missing.py")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = f.Fetch(ctx, srv.URL+"/repo", "big.txt")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.Fetch(ctx, srv.URL+"/repo", "boom.py")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrFileNotFound)
}

func TestMuxFileScheme(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.py"), []byte("x = 1"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "pkg"), 0o755))

	m := &Mux{Dir: &DirFetcher{}}
	ctx := context.Background()
	repo := "file://" + filepath.ToSlash(dir)

	body, err := m.Fetch(ctx, repo, "train.py")
	require.NoError(t, err)
	assert.Equal(t, "x = 1", string(body))

	_, err = m.Fetch(ctx, repo, "nope.py")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = m.Fetch(ctx, repo, "pkg")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = m.Fetch(ctx, "ftp://example.com/repo", "train.py")
	assert.ErrorIs(t, err, models.ErrValidation)
}
