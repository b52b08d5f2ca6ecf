package endpoint

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func rangeTestServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHeader := r.Header.Get("Range")
		var start, end int
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		require.NoError(t, err)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func TestHTTPRangeSourceReadsSlices(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	srv := rangeTestServer(t, data)
	defer srv.Close()

	src, err := OpenHTTPRange(srv.URL, srv.Client())
	require.NoError(t, err)
	require.EqualValues(t, len(data), src.Size())

	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 4)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "quick", string(buf))
}

func TestHTTPRangeSourceReadAtEOF(t *testing.T) {
	data := []byte("short")
	srv := rangeTestServer(t, data)
	defer srv.Close()

	src, err := OpenHTTPRange(srv.URL, srv.Client())
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = src.ReadAt(buf, int64(len(data)))
	require.ErrorIs(t, err, io.EOF)
}
