package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"InboxDigest/internal/domain"
)

const messagePage = `<html>
<head><script>var tracking = 1;</script></head>
<body>
  <nav>Home | Messages | Logout</nav>
  <div class="message-body">
    <p>Hi, the   kitchen sink is leaking again.</p>
    <p>Can someone come by on Tuesday?</p>
  </div>
  <footer>Copyright</footer>
</body></html>`

func TestResolveExtractsMessageBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "session=abc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(messagePage))
	}))
	defer server.Close()

	r := New(Config{Cookie: "session=abc"})
	defer r.Release()

	text, err := r.Resolve(context.Background(), server.URL+"/messages/1")
	require.NoError(t, err)
	require.Equal(t, "Hi, the kitchen sink is leaking again.\nCan someone come by on Tuesday?", text)
}

func TestResolveTruncates(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<main>abcdefghij</main>`))
	}))
	defer server.Close()

	text, err := New(Config{MaxChars: 4}).Resolve(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, "abcd", text)
}

func TestResolveEmptyURL(t *testing.T) {
	t.Parallel()

	text, err := New(Config{}).Resolve(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestResolveExpiredSession(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := New(Config{}).Resolve(context.Background(), server.URL)
	require.True(t, errors.Is(err, domain.ErrAuth), "got %v", err)
}
