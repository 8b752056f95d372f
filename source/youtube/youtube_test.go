package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"google.golang.org/api/googleapi"

	"yta-ingest/fetcher"
	"yta-ingest/models"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantAccess  string
		wantRefresh string
		wantExpiry  time.Time
		wantErr     bool
	}{
		{
			name:        "oauth2 layout",
			raw:         `{"access_token":"at","token_type":"Bearer","refresh_token":"rt","expiry":"2024-03-12T10:00:00Z"}`,
			wantAccess:  "at",
			wantRefresh: "rt",
			wantExpiry:  time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC),
		},
		{
			name:        "google-auth layout",
			raw:         `{"token":"at2","refresh_token":"rt2","token_uri":"https://oauth2.googleapis.com/token","expiry":"2024-03-12T10:00:00.500000Z"}`,
			wantAccess:  "at2",
			wantRefresh: "rt2",
			wantExpiry:  time.Date(2024, 3, 12, 10, 0, 0, 500000000, time.UTC),
		},
		{
			name:        "google-auth without zone",
			raw:         `{"token":"at3","refresh_token":"rt3","expiry":"2024-03-12T10:00:00.25"}`,
			wantAccess:  "at3",
			wantRefresh: "rt3",
			wantExpiry:  time.Date(2024, 3, 12, 10, 0, 0, 250000000, time.UTC),
		},
		{name: "refresh only", raw: `{"refresh_token":"rt"}`, wantRefresh: "rt"},
		{name: "empty", raw: `{}`, wantErr: true},
		{name: "garbage", raw: `not json`, wantErr: true},
		{name: "bad expiry", raw: `{"token":"a","expiry":"tomorrow"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := parseToken([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseToken: %v", err)
			}
			if tok.AccessToken != tt.wantAccess || tok.RefreshToken != tt.wantRefresh {
				t.Errorf("token = %q/%q", tok.AccessToken, tok.RefreshToken)
			}
			if !tok.Expiry.Equal(tt.wantExpiry) {
				t.Errorf("expiry = %v, want %v", tok.Expiry, tt.wantExpiry)
			}
		})
	}
}

func TestLoadTokenSourceMissingToken(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "client_secret.json")
	content := `{"installed":{"client_id":"id","client_secret":"s","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`
	if err := os.WriteFile(secret, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadTokenSource(context.Background(), secret, filepath.Join(dir, "token.json"))
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}

	if _, err := LoadTokenSource(context.Background(), filepath.Join(dir, "missing.json"), "x"); err == nil {
		t.Error("expected error for missing client secret")
	}
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want fetcher.ErrorClass
	}{
		{"quota reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, fetcher.ClassQuota},
		{"too many requests", &googleapi.Error{Code: http.StatusTooManyRequests}, fetcher.ClassQuota},
		{"forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, fetcher.ClassAuth},
		{"unauthorized", &googleapi.Error{Code: 401}, fetcher.ClassAuth},
		{"bad request", &googleapi.Error{Code: 400}, fetcher.ClassSchema},
		{"server error", &googleapi.Error{Code: 503}, fetcher.ClassNetwork},
		{"wrapped", fmt.Errorf("call: %w", &googleapi.Error{Code: 429}), fetcher.ClassQuota},
		{"transport", errors.New("connection reset"), fetcher.ClassNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fetcher.ClassNetwork
			var ce fetcher.ClassifiedError
			if errors.As(classifyAPIError(tt.err), &ce) {
				got = ce.Class()
			}
			if got != tt.want {
				t.Errorf("class = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSortItems(t *testing.T) {
	d := func(y int, m time.Month, day int) civil.Date { return civil.Date{Year: y, Month: m, Day: day} }
	items := []models.Item{
		{ID: "c", Published: d(2023, time.May, 1)},
		{ID: "x"},
		{ID: "b", Published: d(2021, time.January, 9)},
		{ID: "a", Published: d(2023, time.May, 1)},
	}
	sortItems(items)

	var got []string
	for _, it := range items {
		got = append(got, it.ID)
	}
	want := []string{"b", "a", "c", "x"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestTimestampDate(t *testing.T) {
	got, err := timestampDate("2012-03-05T23:30:00-05:00")
	if err != nil {
		t.Fatal(err)
	}
	if want := (civil.Date{Year: 2012, Month: time.March, Day: 6}); got != want {
		t.Errorf("got %s, want %s (UTC day)", got, want)
	}
	if _, err := timestampDate(""); err == nil {
		t.Error("expected error for empty timestamp")
	}
}

func TestParseJoined(t *testing.T) {
	tests := []struct {
		text    string
		want    civil.Date
		wantErr bool
	}{
		{"Description\nJoined Mar 5, 2012\n1,234 views", civil.Date{Year: 2012, Month: time.March, Day: 5}, false},
		{"Joined September 21, 2019", civil.Date{Year: 2019, Month: time.September, Day: 21}, false},
		{"Joined Sept. 1, 2020", civil.Date{Year: 2020, Month: time.September, Day: 1}, false},
		{"no date here", civil.Date{}, true},
	}
	for _, tt := range tests {
		got, err := parseJoined(tt.text)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseJoined(%q): expected error", tt.text)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseJoined(%q) = %s, %v, want %s", tt.text, got, err, tt.want)
		}
	}
}

func TestFindChromeBinaryIgnoresEnvironment(t *testing.T) {
	t.Setenv("CHROME_BIN", "/nonexistent/chrome")
	if got := findChromeBinary(); got == "/nonexistent/chrome" {
		t.Errorf("findChromeBinary = %q, want a PATH lookup only", got)
	}
}
