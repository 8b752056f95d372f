package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtubeanalytics/v2"

	"yta-ingest/fetcher"
	"yta-ingest/models"
)

// AnalyticsClient runs report queries against the YouTube Analytics API.
type AnalyticsClient struct {
	svc *youtubeanalytics.Service
	ids string
}

func NewAnalyticsClient(ctx context.Context, ts oauth2.TokenSource, ids string) (*AnalyticsClient, error) {
	svc, err := youtubeanalytics.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("analytics: new service: %w", err)
	}
	return &AnalyticsClient{svc: svc, ids: ids}, nil
}

// Query issues one reports.query call.
func (c *AnalyticsClient) Query(ctx context.Context, q models.Query) (*models.QueryResult, error) {
	call := c.svc.Reports.Query().
		Ids(c.ids).
		StartDate(q.Window.Start.String()).
		EndDate(q.Window.End.String()).
		Metrics(strings.Join(q.Metrics, ","))
	if q.Dimension != "" {
		call = call.Dimensions(q.Dimension)
	}
	if q.Sort != "" {
		call = call.Sort(q.Sort)
	}
	if q.Filter != "" {
		call = call.Filters(q.Filter)
	}
	if q.PageSize > 0 {
		call = call.MaxResults(int64(q.PageSize))
	}
	if q.StartIndex > 0 {
		call = call.StartIndex(int64(q.StartIndex))
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, classifyAPIError(err)
	}

	res := &models.QueryResult{Rows: resp.Rows}
	for _, h := range resp.ColumnHeaders {
		res.ColumnHeaders = append(res.ColumnHeaders, h.Name)
	}
	return res, nil
}

// apiError tags a Google API error with the class the fetcher acts on.
type apiError struct {
	class fetcher.ErrorClass
	err   error
}

func (e *apiError) Error() string             { return e.err.Error() }
func (e *apiError) Unwrap() error             { return e.err }
func (e *apiError) Class() fetcher.ErrorClass { return e.class }

var quotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
	"insufficientQuota":     true,
	"servingLimitExceeded":  true,
}

func classifyAPIError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	for _, item := range gerr.Errors {
		if quotaReasons[item.Reason] {
			return &apiError{class: fetcher.ClassQuota, err: err}
		}
	}
	switch gerr.Code {
	case http.StatusTooManyRequests:
		return &apiError{class: fetcher.ClassQuota, err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &apiError{class: fetcher.ClassAuth, err: err}
	case http.StatusBadRequest:
		return &apiError{class: fetcher.ClassSchema, err: err}
	}
	return err
}
