package host

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestError_IsMatchesCode(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("wrapped: %w", newError(ErrTransport, cause, "could not connect"))

	if !errors.Is(err, ErrTransport) {
		t.Error("errors.Is(ErrTransport) = false")
	}
	if errors.Is(err, ErrSessionNotFound) {
		t.Error("errors.Is matched a different code")
	}
	if !errors.Is(err, cause) {
		t.Error("cause is not reachable through Unwrap")
	}

	var he *Error
	if !errors.As(err, &he) || he.Status != http.StatusBadGateway {
		t.Fatalf("As = %+v", he)
	}
	if got := he.Error(); !strings.Contains(got, "transport_error") || !strings.Contains(got, "refused") {
		t.Errorf("Error() = %q", got)
	}
}

func TestError_Statuses(t *testing.T) {
	t.Parallel()

	tests := map[*Error]int{
		ErrInvalidAgentSet:           400,
		ErrSessionNotFound:           404,
		ErrSessionExpired:            410,
		ErrRateLimitExceeded:         429,
		ErrInvalidEventPayload:       400,
		ErrInvalidClientCapabilities: 400,
		ErrMissingAPIKey:             500,
		ErrTransport:                 502,
	}
	for e, want := range tests {
		if e.Status != want {
			t.Errorf("%s status = %d, want %d", e.Code, e.Status, want)
		}
	}

	if got := notFound("abc").Error(); got != `host: session_not_found: session "abc" not found` {
		t.Errorf("notFound = %q", got)
	}
}
