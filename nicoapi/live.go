package nicoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultLiveBaseURL is the production host for the broadcast tooling API.
const DefaultLiveBaseURL = "https://live2.nicovideo.jp"

// LivePair holds the slot identifiers visible to the account: the slot on
// air now and the reserved one after it. Either may be empty.
type LivePair struct {
	CurrentID string
	NextID    string
}

// ReserveRequest carries the reservation parameters for a new live slot.
type ReserveRequest struct {
	Category    string
	CommunityID string
	Tags        []string
}

// LiveClient drives slot discovery, reservation, timing, and viewer-facing
// announcements.
type LiveClient struct {
	API     *Client
	BaseURL string // defaults to DefaultLiveBaseURL
}

func (lc *LiveClient) baseURL() string {
	if lc.BaseURL != "" {
		return lc.BaseURL
	}
	return DefaultLiveBaseURL
}

// Lives returns the current and next slot identifiers. A 404 means the
// account has no broadcastable slots at all.
func (lc *LiveClient) Lives(ctx context.Context) (LivePair, error) {
	res, err := lc.API.Do(ctx, Call{
		Name:       "live.list",
		MaxTries:   10,
		BaseDelay:  time.Second,
		NotFoundOK: true,
		Request: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, lc.baseURL()+"/unama/tool/v1/broadcastable", nil)
		},
	})
	if err != nil {
		return LivePair{}, err
	}
	if res.NotFound {
		return LivePair{}, nil
	}
	var body struct {
		Data struct {
			Current struct {
				ID string `json:"id"`
			} `json:"current"`
			Next struct {
				ID string `json:"id"`
			} `json:"next"`
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return LivePair{}, fmt.Errorf("live.list: decode: %w", err)
	}
	return LivePair{CurrentID: body.Data.Current.ID, NextID: body.Data.Next.ID}, nil
}

// Reserve requests a new slot. It is safe to call speculatively: when the
// remote side reports a slot already occupies the window, that is success
// from the caller's point of view, and the caller must re-query Lives rather
// than trust this call's outcome.
func (lc *LiveClient) Reserve(ctx context.Context, req ReserveRequest) error {
	body, err := json.Marshal(map[string]any{
		"category":    req.Category,
		"communityId": req.CommunityID,
		"tags":        req.Tags,
	})
	if err != nil {
		return err
	}
	_, err = lc.API.Do(ctx, Call{
		Name:      "live.reserve",
		MaxTries:  5,
		BaseDelay: 2 * time.Second,
		Request: func(ctx context.Context) (*http.Request, error) {
			r, err := http.NewRequestWithContext(ctx, http.MethodPost, lc.baseURL()+"/unama/api/v2/programs", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			r.Header.Set("Content-Type", "application/json")
			return r, nil
		},
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusConflict {
			slog.Info("slot already reserved for the window")
			return nil
		}
		return err
	}
	return nil
}

// StartTime returns the scheduled beginning of the slot.
func (lc *LiveClient) StartTime(ctx context.Context, liveID string) (time.Time, error) {
	info, err := lc.programInfo(ctx, liveID)
	if err != nil {
		return time.Time{}, err
	}
	return info.begin, nil
}

// EndTime returns the scheduled end of the slot.
func (lc *LiveClient) EndTime(ctx context.Context, liveID string) (time.Time, error) {
	info, err := lc.programInfo(ctx, liveID)
	if err != nil {
		return time.Time{}, err
	}
	return info.end, nil
}

type programInfo struct {
	begin time.Time
	end   time.Time
}

func (lc *LiveClient) programInfo(ctx context.Context, liveID string) (programInfo, error) {
	if liveID == "" {
		return programInfo{}, errors.New("live.programinfo: empty slot id")
	}
	res, err := lc.API.Do(ctx, Call{
		Name:      "live.programinfo",
		MaxTries:  10,
		BaseDelay: time.Second,
		Request: func(ctx context.Context) (*http.Request, error) {
			u := fmt.Sprintf("%s/watch/%s/programinfo", lc.baseURL(), liveID)
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		},
	})
	if err != nil {
		return programInfo{}, err
	}
	var body struct {
		Data struct {
			BeginAt int64 `json:"beginAt"`
			EndAt   int64 `json:"endAt"`
		} `json:"data"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return programInfo{}, fmt.Errorf("live.programinfo: decode: %w", err)
	}
	return programInfo{
		begin: time.Unix(body.Data.BeginAt, 0).UTC(),
		end:   time.Unix(body.Data.EndAt, 0).UTC(),
	}, nil
}

// ShowMessage posts a viewer-facing operator announcement. A permanent
// message stays on screen (end-of-broadcast notice); a transient one is a
// now-playing caption.
func (lc *LiveClient) ShowMessage(ctx context.Context, liveID, text string, permanent bool) error {
	body, err := json.Marshal(map[string]any{
		"text":        text,
		"isPermanent": permanent,
	})
	if err != nil {
		return err
	}
	_, err = lc.API.Do(ctx, Call{
		Name:      "live.message",
		MaxTries:  5,
		BaseDelay: time.Second,
		Request: func(ctx context.Context) (*http.Request, error) {
			u := fmt.Sprintf("%s/watch/%s/operator_comment", lc.baseURL(), liveID)
			r, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			r.Header.Set("Content-Type", "application/json")
			return r, nil
		},
	})
	return err
}
