package nicoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Production hosts for the quotation tooling and the public thumbnail info API.
const (
	DefaultQuoteBaseURL = "https://lapi.spi.nicovideo.jp"
	DefaultThumbBaseURL = "https://ext.nicovideo.jp"
)

// Layout configures how a quoted video is mixed into the broadcast.
type Layout struct {
	QuoteMain    bool // quoted content on the main source instead of sub
	MainVolume   float64
	SubVolume    float64
	SubSoundOnly bool
}

func (l Layout) payload() map[string]any {
	mainSource, subSource := "self", "quote"
	if l.QuoteMain {
		mainSource, subSource = "quote", "self"
	}
	return map[string]any{
		"main": map[string]any{
			"source": mainSource,
			"volume": l.MainVolume,
		},
		"sub": map[string]any{
			"source":      subSource,
			"volume":      l.SubVolume,
			"isSoundOnly": l.SubSoundOnly,
		},
	}
}

// VideoInfo is the eligibility and timing metadata for one candidate video.
type VideoInfo struct {
	Quotable bool
	Duration time.Duration
	Caption  string // viewer-facing "title / id" line
}

// QuoteClient drives the quotation subsystem of a live slot.
type QuoteClient struct {
	API *Client

	BaseURL      string // defaults to DefaultQuoteBaseURL
	ThumbBaseURL string // defaults to DefaultThumbBaseURL

	Layout         Layout
	DisallowedTags []string

	// Settle is the pause between stopping the previous quotation and
	// posting the next one; the remote service needs time to release the
	// slot. Defaults to 1.5s.
	Settle time.Duration

	// RetryBase is the initial backoff when the quote sequence restarts
	// from its stop step. Defaults to 5s.
	RetryBase time.Duration
}

func (qc *QuoteClient) baseURL() string {
	if qc.BaseURL != "" {
		return qc.BaseURL
	}
	return DefaultQuoteBaseURL
}

func (qc *QuoteClient) thumbBaseURL() string {
	if qc.ThumbBaseURL != "" {
		return qc.ThumbBaseURL
	}
	return DefaultThumbBaseURL
}

func (qc *QuoteClient) settle() time.Duration {
	if qc.Settle > 0 {
		return qc.Settle
	}
	return 1500 * time.Millisecond
}

func (qc *QuoteClient) retryBase() time.Duration {
	if qc.RetryBase > 0 {
		return qc.RetryBase
	}
	return 5 * time.Second
}

func (qc *QuoteClient) quotationURL(liveID string) string {
	return fmt.Sprintf("%s/v1/tools/live/contents/%s/quotation", qc.baseURL(), liveID)
}

// Current returns the video id actively quoted into the slot, or empty when
// no quotation is running.
func (qc *QuoteClient) Current(ctx context.Context, liveID string) (string, error) {
	res, err := qc.API.Do(ctx, Call{
		Name:       "quotation.current",
		MaxTries:   10,
		BaseDelay:  time.Second,
		NotFoundOK: true,
		Request: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, qc.quotationURL(liveID), nil)
		},
	})
	if err != nil {
		return "", err
	}
	if res.NotFound {
		return "", nil
	}
	var body struct {
		CurrentContent struct {
			ID string `json:"id"`
		} `json:"currentContent"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return "", fmt.Errorf("quotation.current: decode: %w", err)
	}
	return body.CurrentContent.ID, nil
}

// Stop halts the active quotation. Absence of an active quotation is success.
func (qc *QuoteClient) Stop(ctx context.Context, liveID string) error {
	res, err := qc.API.Do(ctx, Call{
		Name:       "quotation.stop",
		MaxTries:   5,
		BaseDelay:  time.Second,
		NotFoundOK: true,
		Request: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodDelete, qc.quotationURL(liveID), nil)
		},
	})
	if err != nil {
		return err
	}
	if res.NotFound {
		slog.Info("no active quotation to stop", slog.String("live_id", liveID))
	}
	return nil
}

// Once quotes a single video into the slot: stop whatever is running, wait
// for the release to settle, then post. A conflict answer is retried in place
// as a content update rather than a duplicate create. Any failure mid-sequence
// (a stop that did not go through, a refreshed session after a 403, a
// transient rejection of the post) restarts the whole sequence from the stop
// step. Returns the video's playable duration from an
// independent metadata lookup.
func (qc *QuoteClient) Once(ctx context.Context, liveID, videoID string) (time.Duration, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = qc.retryBase()
	bo.Multiplier = 2

	op := func() (struct{}, error) {
		if err := qc.Stop(ctx, liveID); err != nil {
			// A failed stop restarts the whole sequence; the slot may
			// simply not have released yet.
			return struct{}{}, err
		}
		if err := sleepCtx(ctx, qc.settle()); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, qc.post(ctx, liveID, videoID)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(10),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("retrying quotation from stop step",
				slog.String("live_id", liveID),
				slog.String("video_id", videoID),
				slog.Any("err", err),
				slog.Duration("backoff", d))
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("quotation.once: %w", err)
	}

	meta, err := qc.videoMeta(ctx, videoID)
	if err != nil {
		return 0, err
	}
	return meta.duration, nil
}

// post performs a single create attempt. Recoverable conditions are surfaced
// as plain errors so Once restarts from its stop step rather than resuming
// mid-sequence.
func (qc *QuoteClient) post(ctx context.Context, liveID, videoID string) error {
	contents := []map[string]string{{"id": videoID, "type": "video"}}
	createBody, err := json.Marshal(map[string]any{
		"layout":   qc.Layout.payload(),
		"contents": contents,
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	updateBody, err := json.Marshal(map[string]any{"contents": contents})
	if err != nil {
		return backoff.Permanent(err)
	}

	_, err = qc.API.Do(ctx, Call{
		Name:      "quotation.post",
		MaxTries:  1, // Once owns the retry loop: failures restart from stop
		Transient: func(code int) bool { return code == http.StatusBadRequest },
		Request: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, qc.quotationURL(liveID), bytes.NewReader(createBody))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		Conflict: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPatch, qc.quotationURL(liveID)+"/contents", bytes.NewReader(updateBody))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) || errors.Is(err, ErrAuthenticationFailed) {
			return backoff.Permanent(err)
		}
		// Refreshed session, transient rejection, connection trouble: let
		// Once run the sequence again from the stop step.
		return err
	}
	return nil
}

// Loop quotes the video and then flips the layout to repeat, for a closing
// screen that plays until the slot itself ends.
func (qc *QuoteClient) Loop(ctx context.Context, liveID, videoID string) error {
	if _, err := qc.Once(ctx, liveID, videoID); err != nil {
		return err
	}
	return qc.SetRepeat(ctx, liveID)
}

// SetRepeat marks the current quotation as repeating.
func (qc *QuoteClient) SetRepeat(ctx context.Context, liveID string) error {
	if err := sleepCtx(ctx, time.Second); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"layout": qc.Layout.payload(),
		"repeat": true,
	})
	if err != nil {
		return err
	}
	_, err = qc.API.Do(ctx, Call{
		Name:      "quotation.repeat",
		MaxTries:  10,
		BaseDelay: time.Second,
		Request: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPatch, qc.quotationURL(liveID)+"/layout", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
	})
	return err
}

type videoMeta struct {
	duration time.Duration
	title    string
	id       string
}

// videoMeta fetches length and title from the quote tooling metadata endpoint.
func (qc *QuoteClient) videoMeta(ctx context.Context, videoID string) (videoMeta, error) {
	res, err := qc.API.Do(ctx, Call{
		Name:      "video.meta",
		MaxTries:  3,
		BaseDelay: time.Second,
		Request: func(ctx context.Context) (*http.Request, error) {
			u := fmt.Sprintf("%s/v1/tools/live/quote/services/video/contents/%s", qc.baseURL(), videoID)
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		},
	})
	if err != nil {
		return videoMeta{}, err
	}
	var body struct {
		Data struct {
			ID     string  `json:"id"`
			Title  string  `json:"title"`
			Length float64 `json:"length"`
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return videoMeta{}, fmt.Errorf("video.meta: decode: %w", err)
	}
	return videoMeta{
		duration: time.Duration(body.Data.Length * float64(time.Second)),
		title:    body.Data.Title,
		id:       body.Data.ID,
	}, nil
}

// VideoInfo resolves a candidate's quotability, duration, and caption. The
// disallowed-tag check runs only when the platform already reports the video
// eligible; an ineligible candidate short-circuits without the extra call.
func (qc *QuoteClient) VideoInfo(ctx context.Context, videoID string) (VideoInfo, error) {
	meta, err := qc.videoMeta(ctx, videoID)
	if err != nil {
		return VideoInfo{}, err
	}

	res, err := qc.API.Do(ctx, Call{
		Name:      "video.eligibility",
		MaxTries:  3,
		BaseDelay: time.Second,
		Request: func(ctx context.Context) (*http.Request, error) {
			u := fmt.Sprintf("%s/v1/services/select_content/video/%s", qc.baseURL(), videoID)
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		},
	})
	if err != nil {
		return VideoInfo{}, err
	}
	var elig struct {
		Data struct {
			Content struct {
				IsQuotableByOtherContents bool `json:"isQuotableByOtherContents"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Body, &elig); err != nil {
		return VideoInfo{}, fmt.Errorf("video.eligibility: decode: %w", err)
	}

	quotable := elig.Data.Content.IsQuotableByOtherContents
	if quotable {
		ok, err := qc.checkDisallowedTags(ctx, videoID)
		if err != nil {
			return VideoInfo{}, err
		}
		quotable = ok
	}

	title := meta.title
	if title == "" {
		title = "(untitled)"
	}
	id := meta.id
	if id == "" {
		id = videoID
	}
	return VideoInfo{
		Quotable: quotable,
		Duration: meta.duration,
		Caption:  fmt.Sprintf("%s / %s", title, id),
	}, nil
}

// checkDisallowedTags reports false when any configured disallowed tag
// appears on the video. The tag listing comes from the public XML endpoint.
func (qc *QuoteClient) checkDisallowedTags(ctx context.Context, videoID string) (bool, error) {
	res, err := qc.API.Do(ctx, Call{
		Name:      "video.tags",
		MaxTries:  5,
		BaseDelay: time.Second,
		Request: func(ctx context.Context) (*http.Request, error) {
			u := fmt.Sprintf("%s/api/getthumbinfo/%s", qc.thumbBaseURL(), videoID)
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		},
	})
	if err != nil {
		return false, err
	}
	var thumb struct {
		Tags []string `xml:"thumb>tags>tag"`
	}
	if err := xml.Unmarshal(res.Body, &thumb); err != nil {
		return false, fmt.Errorf("video.tags: decode: %w", err)
	}
	disallowed := make(map[string]struct{}, len(qc.DisallowedTags))
	for _, t := range qc.DisallowedTags {
		disallowed[t] = struct{}{}
	}
	for _, t := range thumb.Tags {
		if _, hit := disallowed[t]; hit {
			slog.Info("candidate carries a disallowed tag",
				slog.String("video_id", videoID), slog.String("tag", t))
			return false, nil
		}
	}
	return true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
