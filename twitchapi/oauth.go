// Package twitchapi wraps the Twitch identity endpoints (id.twitch.tv):
// authorization-code grant, refresh grant, token validation and revocation.
// The grant flows go through golang.org/x/oauth2; validate/revoke are plain
// endpoints Twitch defines outside the OAuth2 spec.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Client talks to the Twitch identity service. The zero value is not usable;
// construct with New.
type Client struct {
	OAuth *oauth2.Config

	// HTTPClient overrides the client used for all requests (tests).
	HTTPClient *http.Client

	// AuthBase overrides the identity host for validate/revoke (tests).
	AuthBase string
}

// ValidateResult is the response of GET /oauth2/validate.
type ValidateResult struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// New builds a client for the given app credentials. scopes is a space- or
// comma-separated list.
func New(clientID, clientSecret, redirectURI, scopes string) *Client {
	return &Client{
		OAuth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       strings.Fields(strings.ReplaceAll(scopes, ",", " ")),
			Endpoint:     endpoints.Twitch,
		},
		AuthBase: "https://id.twitch.tv",
	}
}

// AuthCodeURL constructs the user authorization URL for the code grant.
// state must be validated on callback.
func (c *Client) AuthCodeURL(state string) (string, error) {
	if c.OAuth.ClientID == "" || c.OAuth.RedirectURL == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return c.OAuth.AuthCodeURL(state), nil
}

// Exchange exchanges an authorization code for access & refresh tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	tok, err := c.OAuth.Exchange(c.httpCtx(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}
	src := c.OAuth.TokenSource(c.httpCtx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("twitch refresh failed: %w", err)
	}
	return tok, nil
}

// Validate checks an access token against /oauth2/validate and returns the
// identity bound to it.
func (c *Client) Validate(ctx context.Context, accessToken string) (*ValidateResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AuthBase+"/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch validate failed: %s: %s", resp.Status, string(b))
	}
	var res ValidateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Revoke invalidates an access token at /oauth2/revoke.
func (c *Client) Revoke(ctx context.Context, accessToken string) error {
	form := url.Values{}
	form.Set("client_id", c.OAuth.ClientID)
	form.Set("token", accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.AuthBase+"/oauth2/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("twitch revoke failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

// TokenScopes extracts the granted scope list Twitch returns alongside a
// token. Empty when the response carried none.
func TokenScopes(t *oauth2.Token) []string {
	raw := t.Extra("scope")
	switch v := raw.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return v
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func (c *Client) httpCtx(ctx context.Context) context.Context {
	if c.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	return ctx
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
