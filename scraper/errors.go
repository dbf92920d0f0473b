package scraper

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrNoTilesFound is a soft per-page failure: the document parsed but
	// held no listing tiles.
	ErrNoTilesFound  = eris.New("no tiles found")
	ErrBrowserClosed = eris.New("browser fetcher closed")
)

type FetchErrorKind int

const (
	FetchBlocked FetchErrorKind = iota + 1
	FetchHTTPStatus
	FetchTimeout
	FetchAntiBot
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchBlocked:
		return "blocked"
	case FetchHTTPStatus:
		return "http_status"
	case FetchTimeout:
		return "timeout"
	case FetchAntiBot:
		return "anti_bot"
	default:
		return "unknown"
	}
}

// FetchError describes why a document could not be retrieved.
type FetchError struct {
	Kind   FetchErrorKind
	URL    string
	Status int
	Marker string
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus, FetchBlocked:
		if e.Status != 0 {
			return fmt.Sprintf("fetch %s: %s (http %d)", e.URL, e.Kind, e.Status)
		}
	case FetchAntiBot:
		return fmt.Sprintf("fetch %s: anti-bot challenge (%q)", e.URL, e.Marker)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsBlocking reports whether err means the site refused us, as opposed to
// a transient or server-side failure.
func IsBlocking(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == FetchBlocked || fe.Kind == FetchAntiBot
}

func fetchKind(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
