package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	searchActorID     int64
	searchScopes      string
	searchPersonID    int64
	searchLimit       int
	searchFilters     []string
	searchFiltersJSON string
)

// searchCmd runs a semantic search against the daemon
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a semantic search",
	Long: `Run a semantic search against the memoryd server. The query text is
analyzed and embedded server-side; results come back best first.

The --actor flag identifies the caller. Outside a deployment with a
fronting gateway this is how you impersonate a user for testing;
access control applies exactly as it would for that user.

Examples:
  # Search as actor 7
  memctl search "quarterly roadmap" --actor 7

  # Restrict by tags and a score floor
  memctl search "incident retro" --actor 7 --filter tags=postmortem,outage --filter min_score=0.5

  # Person-scoped search with a raw JSON filter payload
  memctl search "standup notes" --actor 7 --person 9 --filters-json '{"min_confidences":{"observation":0.7}}'`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().Int64Var(&searchActorID, "actor", 0, "acting user id (required)")
	searchCmd.Flags().StringVar(&searchScopes, "scopes", "", "comma-separated actor scopes (e.g. admin)")
	searchCmd.Flags().Int64Var(&searchPersonID, "person", 0, "restrict to items about this person (or unattributed items)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results (0 uses the server default)")
	searchCmd.Flags().StringArrayVar(&searchFilters, "filter", nil, "filter as key=value; comma-separated values make a list (repeatable)")
	searchCmd.Flags().StringVar(&searchFiltersJSON, "filters-json", "", "filters as a raw JSON object (merged over --filter)")
	_ = searchCmd.MarkFlagRequired("actor")
}

// SearchRequest matches internal/server SearchRequest.
type SearchRequest struct {
	Query    string                 `json:"query,omitempty"`
	Filters  map[string]interface{} `json:"filters,omitempty"`
	PersonID *int64                 `json:"person_id,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
}

// SearchHit matches internal/server SearchHit.
type SearchHit struct {
	ChunkID string  `json:"chunk_id"`
	Score   float32 `json:"score"`
}

// SearchResponse matches internal/server SearchResponse.
type SearchResponse struct {
	Hits  []SearchHit `json:"hits"`
	Count int         `json:"count"`
}

// runSearch handles the search command
func runSearch(cmd *cobra.Command, args []string) error {
	filters, err := buildFilters(searchFilters, searchFiltersJSON)
	if err != nil {
		return err
	}

	reqBody := SearchRequest{
		Query:   args[0],
		Filters: filters,
		Limit:   searchLimit,
	}
	if searchPersonID > 0 {
		reqBody.PersonID = &searchPersonID
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/search", serverURL)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Actor-Id", strconv.FormatInt(searchActorID, 10))
	if searchScopes != "" {
		httpReq.Header.Set("X-Actor-Scopes", searchScopes)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var searchResp SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if searchResp.Count == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, hit := range searchResp.Hits {
		fmt.Printf("%3d. %-40s %.4f\n", i+1, hit.ChunkID, hit.Score)
	}
	fmt.Fprintf(os.Stderr, "\n%d result(s)\n", searchResp.Count)

	return nil
}

// buildFilters assembles the filter mapping from --filter key=value
// pairs and the optional --filters-json object. JSON entries win on
// key collision.
func buildFilters(pairs []string, rawJSON string) (map[string]interface{}, error) {
	filters := make(map[string]interface{}, len(pairs))

	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --filter %q (expected key=value)", pair)
		}
		filters[key] = parseFilterValue(value)
	}

	if rawJSON != "" {
		var extra map[string]interface{}
		if err := json.Unmarshal([]byte(rawJSON), &extra); err != nil {
			return nil, fmt.Errorf("invalid --filters-json: %w", err)
		}
		for k, v := range extra {
			filters[k] = v
		}
	}

	if len(filters) == 0 {
		return nil, nil
	}
	return filters, nil
}

// parseFilterValue guesses the JSON shape of a flag value: numbers stay
// numbers, comma-separated values become a list, everything else is a
// string. The server drops anything its vocabulary rejects.
func parseFilterValue(value string) interface{} {
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		list := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			list = append(list, strings.TrimSpace(p))
		}
		return list
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return n
	}
	return value
}
