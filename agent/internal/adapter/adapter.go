// Package adapter maps a task's action to the local scraper API endpoint
// that executes it. Each api_type wraps a different scraper with its own
// route vocabulary; actions with no explicit mapping fall back to
// "/<action>" so new actions work without a code change.
package adapter

import "strings"

// Table is an api_type's action -> local endpoint path vocabulary.
type Table map[string]string

// crunchbase is the crunchbase scraper's route vocabulary.
var crunchbase = Table{
	"search_with_rank": "/search/crunchbase/top-similar-with-rank",
	"search_similar":   "/search/crunchbase/top-similar",
	"search_batch":     "/search/crunchbase/batch",
	"enrich":           "/enrich/crunchbase",
	"health":           "/health",
}

// tracxn is the tracxn scraper's route vocabulary.
var tracxn = Table{
	"tracxn_search_with_rank": "/scrape-batch-api-with-rank",
	"tracxn_search":           "/scrape-batch-api",
	"health":                  "/health",
}

// social is the social-profile scraper's route vocabulary.
var social = Table{
	"search_profiles": "/search/social/profiles",
	"health":          "/health",
}

var byAPIType = map[string]Table{
	"crunchbase": crunchbase,
	"tracxn":     tracxn,
	"social":     social,
}

// Endpoint resolves action to a local API path for the given api_type,
// falling back to "/<action>" when the table has no explicit entry.
func Endpoint(apiType, action string) string {
	if table, ok := byAPIType[apiType]; ok {
		if path, ok := table[action]; ok {
			return path
		}
	}
	return "/" + strings.TrimPrefix(action, "/")
}
