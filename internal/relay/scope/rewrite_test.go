package scope

import (
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRewriter_SplicesPlaceholder(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newStateRewriter(rec, HomeStatePlaceholder, func() string {
		return `{"kitchen":{"light":"on"}}`
	})

	_, err := rw.Write([]byte(`{"instructions":"state: ` + HomeStatePlaceholder + `"}`))
	require.NoError(t, err)
	rw.flush()

	want := `{"instructions":"state: {\"kitchen\":{\"light\":\"on\"}}"}`
	assert.Equal(t, want, rec.Body.String())
	assert.Equal(t, strconv.Itoa(len(want)), rec.Header().Get("Content-Length"))
}

func TestStateRewriter_PlaceholderAcrossWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	fetched := false
	rw := newStateRewriter(rec, HomeStatePlaceholder, func() string {
		fetched = true
		return "STATE"
	})

	// Split the placeholder over two writes; the sniff buffer must still
	// find it.
	full := "before " + HomeStatePlaceholder + " after"
	mid := len(full) / 2
	_, err := rw.Write([]byte(full[:mid]))
	require.NoError(t, err)
	_, err = rw.Write([]byte(full[mid:]))
	require.NoError(t, err)
	rw.flush()

	assert.True(t, fetched)
	assert.Equal(t, "before STATE after", rec.Body.String())
}

func TestStateRewriter_NoPlaceholderSmallBody(t *testing.T) {
	rec := httptest.NewRecorder()
	fetched := false
	rw := newStateRewriter(rec, HomeStatePlaceholder, func() string {
		fetched = true
		return "STATE"
	})

	_, err := rw.Write([]byte(`{"plain":true}`))
	require.NoError(t, err)
	rw.flush()

	assert.False(t, fetched, "state must not be fetched without a placeholder")
	assert.Equal(t, `{"plain":true}`, rec.Body.String())
}

func TestStateRewriter_LargeBodyStreamsAfterSniff(t *testing.T) {
	rec := httptest.NewRecorder()
	fetched := false
	rw := newStateRewriter(rec, HomeStatePlaceholder, func() string {
		fetched = true
		return "STATE"
	})

	head := strings.Repeat("x", sniffWindow)
	_, err := rw.Write([]byte(head))
	require.NoError(t, err)
	// Past the sniff window the writer is committed to streaming; a late
	// placeholder is forwarded untouched.
	tail := "tail " + HomeStatePlaceholder
	_, err = rw.Write([]byte(tail))
	require.NoError(t, err)
	rw.flush()

	assert.False(t, fetched)
	assert.Equal(t, head+tail, rec.Body.String())
}

func TestStateRewriter_PreservesStatusCode(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newStateRewriter(rec, HomeStatePlaceholder, func() string { return "" })

	rw.WriteHeader(418)
	_, err := rw.Write([]byte("teapot"))
	require.NoError(t, err)
	rw.flush()

	assert.Equal(t, 418, rec.Code)
	assert.Equal(t, "teapot", rec.Body.String())
}

func TestStateRewriter_EmptyBody(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newStateRewriter(rec, HomeStatePlaceholder, func() string { return "" })
	rw.WriteHeader(204)
	rw.flush()

	assert.Equal(t, 204, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestJSONStringEscape(t *testing.T) {
	assert.Equal(t, `{\"a\":\"b\\c\"}`, jsonStringEscape(`{"a":"b\c"}`))
	assert.Equal(t, "plain", jsonStringEscape("plain"))
}
