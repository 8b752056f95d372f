package youtube

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"yta-ingest/models"
	"yta-ingest/utils"
)

const playlistPageSize = 50

// ErrNoChannel is returned when the authorized account owns no channel.
var ErrNoChannel = errors.New("authorized account has no channel")

// ChannelClient reads channel and upload metadata from the YouTube Data API.
type ChannelClient struct {
	svc    *youtube.Service
	logger *utils.Logger
}

func NewChannelClient(ctx context.Context, ts oauth2.TokenSource, logger *utils.Logger) (*ChannelClient, error) {
	svc, err := youtube.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("data api: new service: %w", err)
	}
	return &ChannelClient{svc: svc, logger: logger}, nil
}

// ChannelCreated returns the creation date of the authorized channel.
func (c *ChannelClient) ChannelCreated(ctx context.Context) (civil.Date, error) {
	resp, err := c.svc.Channels.List([]string{"snippet"}).Mine(true).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return civil.Date{}, fmt.Errorf("data api: channels.list: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return civil.Date{}, ErrNoChannel
	}
	return timestampDate(resp.Items[0].Snippet.PublishedAt)
}

// EarliestPublished scans up to limit uploads and returns the oldest publish date.
func (c *ChannelClient) EarliestPublished(ctx context.Context, limit int) (civil.Date, error) {
	items, err := c.Items(ctx, limit)
	if err != nil {
		return civil.Date{}, err
	}
	if len(items) == 0 {
		return civil.Date{}, errors.New("data api: channel has no uploads")
	}
	return items[0].Published, nil
}

// Items lists up to limit uploads of the channel, oldest first.
func (c *ChannelClient) Items(ctx context.Context, limit int) ([]models.Item, error) {
	uploads, err := c.uploadsPlaylist(ctx)
	if err != nil {
		return nil, err
	}

	seen := utils.NewKeySet()
	var items []models.Item
	pageToken := ""
	for limit <= 0 || len(items) < limit {
		call := c.svc.PlaylistItems.List([]string{"contentDetails"}).
			PlaylistId(uploads).
			MaxResults(playlistPageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("data api: playlistItems.list: %w", err)
		}

		for _, it := range resp.Items {
			if it.ContentDetails == nil || it.ContentDetails.VideoId == "" {
				continue
			}
			if !seen.Add(it.ContentDetails.VideoId) {
				continue
			}
			published, err := timestampDate(it.ContentDetails.VideoPublishedAt)
			if err != nil {
				c.logger.Debug("[youtube] %s has no publish date: %v", it.ContentDetails.VideoId, err)
			}
			items = append(items, models.Item{ID: it.ContentDetails.VideoId, Published: published})
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	sortItems(items)
	c.logger.Info("[youtube] Listed %d uploads", len(items))
	return items, nil
}

func (c *ChannelClient) uploadsPlaylist(ctx context.Context) (string, error) {
	resp, err := c.svc.Channels.List([]string{"contentDetails"}).Mine(true).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("data api: channels.list: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].ContentDetails == nil || resp.Items[0].ContentDetails.RelatedPlaylists == nil {
		return "", ErrNoChannel
	}
	return resp.Items[0].ContentDetails.RelatedPlaylists.Uploads, nil
}

// sortItems orders by publish date, undated items last, ties by id.
func sortItems(items []models.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Published.IsValid() != b.Published.IsValid() {
			return a.Published.IsValid()
		}
		if a.Published != b.Published {
			return a.Published.Before(b.Published)
		}
		return a.ID < b.ID
	})
}

func timestampDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return civil.Date{}, errors.New("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return civil.DateOf(t.UTC()), nil
}
