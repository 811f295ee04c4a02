package adapter

import "testing"

func TestEndpointKnownActions(t *testing.T) {
	cases := []struct {
		apiType, action, want string
	}{
		{"crunchbase", "search_with_rank", "/search/crunchbase/top-similar-with-rank"},
		{"crunchbase", "search_similar", "/search/crunchbase/top-similar"},
		{"crunchbase", "search_batch", "/search/crunchbase/batch"},
		{"tracxn", "tracxn_search_with_rank", "/scrape-batch-api-with-rank"},
		{"tracxn", "tracxn_search", "/scrape-batch-api"},
		{"crunchbase", "health", "/health"},
	}

	for _, c := range cases {
		if got := Endpoint(c.apiType, c.action); got != c.want {
			t.Errorf("Endpoint(%q, %q) = %q, want %q", c.apiType, c.action, got, c.want)
		}
	}
}

func TestEndpointFallsBackToActionPath(t *testing.T) {
	if got := Endpoint("crunchbase", "some_new_action"); got != "/some_new_action" {
		t.Errorf("got %q, want /some_new_action", got)
	}
}

func TestEndpointFallsBackForUnknownAPIType(t *testing.T) {
	if got := Endpoint("unknown", "health"); got != "/health" {
		t.Errorf("got %q, want /health", got)
	}
}
