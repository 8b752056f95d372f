// Package youtube talks to the YouTube Analytics and Data APIs and, as a last resort,
// to the public channel page.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/youtube/v3"
	"google.golang.org/api/youtubeanalytics/v2"
)

// Scopes are the read-only scopes every stored token must carry.
var Scopes = []string{
	youtubeanalytics.YtAnalyticsReadonlyScope,
	youtube.YoutubeReadonlyScope,
}

// ErrNoToken is returned when no stored authorization exists yet.
var ErrNoToken = errors.New("no stored token: complete the OAuth consent flow and save the token file first")

// tokenFile accepts both the oauth2 package layout and the layout written by
// the google-auth Python library.
type tokenFile struct {
	AccessToken  string `json:"access_token"`
	Token        string `json:"token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	Expiry       string `json:"expiry"`
}

// LoadTokenSource builds a refreshing token source from the client secret and the stored token.
func LoadTokenSource(ctx context.Context, clientSecretPath, tokenPath string) (oauth2.TokenSource, error) {
	secret, err := os.ReadFile(clientSecretPath)
	if err != nil {
		return nil, fmt.Errorf("auth: read client secret: %w", err)
	}
	conf, err := google.ConfigFromJSON(secret, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("auth: parse client secret: %w", err)
	}

	raw, err := os.ReadFile(tokenPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("auth: read token: %w", err)
	}
	tok, err := parseToken(raw)
	if err != nil {
		return nil, fmt.Errorf("auth: %s: %w", tokenPath, err)
	}
	return oauth2.ReuseTokenSource(tok, conf.TokenSource(ctx, tok)), nil
}

func parseToken(raw []byte) (*oauth2.Token, error) {
	var tf tokenFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  tf.AccessToken,
		TokenType:    tf.TokenType,
		RefreshToken: tf.RefreshToken,
	}
	if tok.AccessToken == "" {
		tok.AccessToken = tf.Token
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, ErrNoToken
	}
	if s := strings.TrimSpace(tf.Expiry); s != "" {
		exp, err := time.Parse(time.RFC3339, s)
		if err != nil {
			// google-auth omits the zone suffix.
			exp, err = time.Parse("2006-01-02T15:04:05.999999", s)
		}
		if err != nil {
			return nil, fmt.Errorf("parse token expiry %q: %w", s, err)
		}
		tok.Expiry = exp
	}
	return tok, nil
}
