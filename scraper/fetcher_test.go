package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recorder struct {
	mu    sync.Mutex
	paths []string
	uas   []string
}

func (r *recorder) add(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, req.URL.Path)
	r.uas = append(r.uas, req.Header.Get("User-Agent"))
}

type fakeAssisted struct {
	calls []string
	body  string
}

func (f *fakeAssisted) Fetch(_ context.Context, url string) (string, error) {
	f.calls = append(f.calls, url)
	return f.body, nil
}

func TestHTTPFetcher_WarmupBeforeRequest(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		assert.Equal(t, "en-AU,en;q=0.9", r.Header.Get("Accept-Language"))
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), FetcherOptions{BaseURL: srv.URL})
	body, err := f.Fetch(context.Background(), srv.URL+"/listing")
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", body)

	_, err = f.Fetch(context.Background(), srv.URL+"/listing?page=2")
	require.NoError(t, err)

	assert.Equal(t, []string{"/", "/listing", "/listing"}, rec.paths)
}

func TestHTTPFetcher_WarmupRepeatsAfterInterval(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewHTTPFetcher(srv.Client(), FetcherOptions{BaseURL: srv.URL, WarmupInterval: time.Minute})
	f.now = func() time.Time { return now }

	_, err := f.Fetch(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = f.Fetch(context.Background(), srv.URL+"/b")
	require.NoError(t, err)

	assert.Equal(t, []string{"/", "/a", "/", "/b"}, rec.paths)
}

func TestHTTPFetcher_RetriesForbiddenWithNewIdentity(t *testing.T) {
	rec := &recorder{}
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/listing" {
			return
		}
		rec.add(r)
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("results"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), FetcherOptions{BaseURL: srv.URL})
	body, err := f.Fetch(context.Background(), srv.URL+"/listing")
	require.NoError(t, err)
	assert.Equal(t, "results", body)

	require.Len(t, rec.uas, 2)
	assert.NotEqual(t, rec.uas[0], rec.uas[1])
}

func TestHTTPFetcher_BlockedAfterSecondRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/listing" {
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), FetcherOptions{BaseURL: srv.URL})
	_, err := f.Fetch(context.Background(), srv.URL+"/listing")
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FetchBlocked, fe.Kind)
	assert.Equal(t, http.StatusTooManyRequests, fe.Status)
	assert.True(t, IsBlocking(err))
}

func TestHTTPFetcher_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/listing" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), FetcherOptions{BaseURL: srv.URL})
	_, err := f.Fetch(context.Background(), srv.URL+"/listing")

	assert.Equal(t, FetchHTTPStatus, fetchKind(err))
	assert.False(t, IsBlocking(err))
}

func TestHTTPFetcher_AntiBotChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<h1>Pardon Our Interruption</h1>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), FetcherOptions{BaseURL: srv.URL})
	_, err := f.Fetch(context.Background(), srv.URL+"/listing")

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FetchAntiBot, fe.Kind)
	assert.Equal(t, "pardon our interruption", fe.Marker)
}

func TestHTTPFetcher_PositiveMarkerSuppressesChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<a href="/s-ad/x/1">car</a> <script>captcha.js</script>`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), FetcherOptions{
		BaseURL:  srv.URL,
		Detector: NewChallengeDetector("/s-ad/"),
	})
	_, err := f.Fetch(context.Background(), srv.URL+"/listing")
	assert.NoError(t, err)
}

func TestHTTPFetcher_EscalatesToAssisted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/listing" {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	assisted := &fakeAssisted{body: "rendered"}
	f := NewHTTPFetcher(srv.Client(), FetcherOptions{
		BaseURL:  srv.URL,
		Escalate: true,
		Assisted: assisted,
	})
	body, err := f.Fetch(context.Background(), srv.URL+"/listing")
	require.NoError(t, err)
	assert.Equal(t, "rendered", body)
	assert.Equal(t, []string{srv.URL + "/listing"}, assisted.calls)
}

func TestHTTPFetcher_NoEscalationOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/listing" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	assisted := &fakeAssisted{body: "rendered"}
	f := NewHTTPFetcher(srv.Client(), FetcherOptions{BaseURL: srv.URL, Escalate: true, Assisted: assisted})
	_, err := f.Fetch(context.Background(), srv.URL+"/listing")
	assert.Error(t, err)
	assert.Empty(t, assisted.calls)
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/slow" {
			return
		}
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), FetcherOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := f.Fetch(context.Background(), srv.URL+"/slow")
	assert.Equal(t, FetchTimeout, fetchKind(err))
}

func TestHTTPFetcher_RobotsDisallow(t *testing.T) {
	var listingHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
		case "/private/car":
			listingHits++
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), FetcherOptions{BaseURL: srv.URL, RespectRobots: true})
	_, err := f.Fetch(context.Background(), srv.URL+"/private/car")
	assert.Equal(t, FetchBlocked, fetchKind(err))
	assert.Zero(t, listingHits)

	_, err = f.Fetch(context.Background(), srv.URL+"/public/car")
	assert.NoError(t, err)
}

func TestPacer_DelayWithinBounds(t *testing.T) {
	p := Pacer{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	for range 50 {
		d := p.Delay()
		assert.GreaterOrEqual(t, d, p.Min)
		assert.Less(t, d, p.Max)
	}
	assert.Equal(t, 5*time.Millisecond, Pacer{Min: 5 * time.Millisecond}.Delay())
}

func TestPacer_WaitHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Pacer{Min: time.Hour, Max: 2 * time.Hour}.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetcherMux_RoutesByHost(t *testing.T) {
	pickles := &fakeAssisted{body: "pickles"}
	fallback := &fakeAssisted{body: "other"}
	m := NewFetcherMux(fallback)
	m.Handle("https://www.pickles.com.au", pickles)

	body, err := m.Fetch(context.Background(), "https://pickles.com.au/used/details/cars/x/1111aaaa")
	require.NoError(t, err)
	assert.Equal(t, "pickles", body)

	body, err = m.Fetch(context.Background(), "https://www.gumtree.com.au/s-ad/1")
	require.NoError(t, err)
	assert.Equal(t, "other", body)

	_, err = NewFetcherMux(nil).Fetch(context.Background(), "https://x.test/")
	assert.Equal(t, FetchBlocked, fetchKind(err))
}
