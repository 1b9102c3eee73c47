// Package selection picks broadcast candidates: a weighted draw over the
// viewer-request tallies, and a tag-filtered random pick from the public
// video search when no requests are usable.
package selection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nucosen/broadcast/nicoapi"
	"github.com/nucosen/broadcast/orchestrator"
)

// DefaultSearchBaseURL is the public snapshot search API host.
const DefaultSearchBaseURL = "https://snapshot.search.nicovideo.jp"

// ErrNoCandidate means the search returned nothing usable after filtering.
var ErrNoCandidate = errors.New("no selectable candidate")

// Picker implements orchestrator.Selector.
type Picker struct {
	API           *nicoapi.Client
	SearchBaseURL string // defaults to DefaultSearchBaseURL

	// Intn is the random source, overridable in tests. Defaults to the
	// shared math/rand source.
	Intn func(n int) int
}

var _ orchestrator.Selector = (*Picker)(nil)

func (p *Picker) intn(n int) int {
	if p.Intn != nil {
		return p.Intn(n)
	}
	return rand.Intn(n)
}

// ChoiceFromRequests draws up to max winners from the batch, weighted by
// request tally, without replacement. Entries with a non-positive tally are
// ineligible. Empty result means the caller should fall back.
func (p *Picker) ChoiceFromRequests(batch orchestrator.RequestBatch, max int) []string {
	type entry struct {
		id    string
		tally int
	}
	pool := make([]entry, 0, len(batch))
	total := 0
	for id, tally := range batch {
		if tally <= 0 {
			continue
		}
		pool = append(pool, entry{id: id, tally: tally})
		total += tally
	}

	var winners []string
	for len(winners) < max && len(pool) > 0 {
		r := p.intn(total)
		for i, e := range pool {
			r -= e.tally
			if r < 0 {
				winners = append(winners, e.id)
				total -= e.tally
				pool[i] = pool[len(pool)-1]
				pool = pool[:len(pool)-1]
				break
			}
		}
	}
	return winners
}

// RandomSelection queries the public search for videos carrying any of the
// request tags, drops those with a disallowed tag, and picks one at random.
func (p *Picker) RandomSelection(ctx context.Context, tags, disallowedTags []string) (string, error) {
	base := p.SearchBaseURL
	if base == "" {
		base = DefaultSearchBaseURL
	}
	q := url.Values{}
	q.Set("q", strings.Join(tags, " OR "))
	q.Set("targets", "tagsExact")
	q.Set("fields", "contentId,tags")
	q.Set("_sort", "-lastCommentTime")
	q.Set("_limit", "100")
	searchURL := base + "/api/v2/snapshot/video/contents/search?" + q.Encode()

	res, err := p.API.Do(ctx, nicoapi.Call{
		Name:      "video.search",
		MaxTries:  5,
		BaseDelay: time.Second,
		Request: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
		},
	})
	if err != nil {
		return "", err
	}
	var body struct {
		Data []struct {
			ContentID string `json:"contentId"`
			Tags      string `json:"tags"` // space-separated
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return "", fmt.Errorf("video.search: decode: %w", err)
	}

	disallowed := make(map[string]struct{}, len(disallowedTags))
	for _, t := range disallowedTags {
		disallowed[t] = struct{}{}
	}
	candidates := make([]string, 0, len(body.Data))
	for _, v := range body.Data {
		if v.ContentID == "" || hasAny(v.Tags, disallowed) {
			continue
		}
		candidates = append(candidates, v.ContentID)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: tags %v", ErrNoCandidate, tags)
	}
	return candidates[p.intn(len(candidates))], nil
}

func hasAny(tagField string, disallowed map[string]struct{}) bool {
	for _, t := range strings.Fields(tagField) {
		if _, hit := disallowed[t]; hit {
			return true
		}
	}
	return false
}
