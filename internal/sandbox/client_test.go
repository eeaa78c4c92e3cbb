package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToInternalRejectsEscape(t *testing.T) {
	_, err := toInternal("../etc/passwd")
	assert.ErrorIs(t, err, ErrPathEscapesRoot)

	_, err = toInternal("a/../../b")
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestToInternalNormalizesWithinRoot(t *testing.T) {
	rel, err := toInternal("/src/./main.go")
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", rel)
}

func TestExecuteTruncatesOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exec", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ExecResult{Stdout: "0123456789", ExitCode: 0})
	}))
	defer srv.Close()

	c := New(srv.URL, WithMaxOutputChars(4))
	res, err := c.Execute(t.Context(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "0123", res.Stdout)
}

func TestDownloadFilesFallsBackOnUnsupportedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/download_many":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte("hello"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	results, err := c.DownloadFiles(t.Context(), []string{"/a.txt"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []byte("hello"), results[0].Content)
}

func TestUploadFilesEncodesBase64(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "path": gotBody["path"]})
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.UploadFiles(t.Context(), map[string][]byte{"/foo.txt": []byte("payload")})
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(gotBody["content_b64"])
	require.NoError(t, err)
	assert.Equal(t, "payload", string(decoded))
}

func TestDoWithRetryDoesNotRetry4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetries(3, 0))
	_, err := c.Execute(t.Context(), "bad")
	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx must not be retried")
}

func TestDoWithRetryRetries5xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ExecResult{ExitCode: 0})
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetries(3, 0))
	_, err := c.Execute(t.Context(), "ok")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
