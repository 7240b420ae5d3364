// Package oauth implements the Slack v2 install flow: it builds the authorize
// URL and exchanges the callback code for workspace credentials.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"github.com/onnwee/questrelay/chatapi"
)

// SlackEndpoint is Slack's OAuth v2 endpoint. Client credentials travel in the form body.
var SlackEndpoint = oauth2.Endpoint{
	AuthURL:   "https://slack.com/oauth/v2/authorize",
	TokenURL:  "https://slack.com/api/oauth.v2.access",
	AuthStyle: oauth2.AuthStyleInParams,
}

// Options configures an Installer.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// UserScopes are requested for the installing user; its token creates private channels.
	UserScopes []string
	// AutoStart is stored on newly installed workspaces.
	AutoStart bool
	// Endpoint overrides SlackEndpoint when its TokenURL is set.
	Endpoint oauth2.Endpoint
}

// Installer runs the install handshake.
type Installer struct {
	cfg        *oauth2.Config
	scopes     string
	userScopes string
	autoStart  bool
}

// NewInstaller returns an installer for opts.
func NewInstaller(opts Options) *Installer {
	ep := opts.Endpoint
	if ep.TokenURL == "" {
		ep = SlackEndpoint
	}
	return &Installer{
		cfg: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Endpoint:     ep,
		},
		scopes:     strings.Join(opts.Scopes, ","),
		userScopes: strings.Join(opts.UserScopes, ","),
		autoStart:  opts.AutoStart,
	}
}

// AuthCodeURL returns the Slack authorize URL for state. Slack expects
// comma-separated scopes, so they are passed as raw params.
func (i *Installer) AuthCodeURL(state string) string {
	var params []oauth2.AuthCodeOption
	if i.scopes != "" {
		params = append(params, oauth2.SetAuthURLParam("scope", i.scopes))
	}
	if i.userScopes != "" {
		params = append(params, oauth2.SetAuthURLParam("user_scope", i.userScopes))
	}
	return i.cfg.AuthCodeURL(state, params...)
}

// Exchange trades an authorization code for the workspace's credentials.
func (i *Installer) Exchange(ctx context.Context, code string) (chatapi.Credentials, error) {
	if code == "" {
		return chatapi.Credentials{}, errors.New("missing authorization code")
	}
	tok, err := i.cfg.Exchange(ctx, code)
	if err != nil {
		return chatapi.Credentials{}, fmt.Errorf("slack oauth exchange: %w", err)
	}
	if ok, _ := tok.Extra("ok").(bool); !ok {
		errCode, _ := tok.Extra("error").(string)
		return chatapi.Credentials{}, &chatapi.PlatformError{Op: "oauth.v2.access", Code: errCode}
	}

	team, _ := tok.Extra("team").(map[string]any)
	teamID, _ := team["id"].(string)
	if teamID == "" {
		return chatapi.Credentials{}, errors.New("slack oauth exchange: response has no team id")
	}
	botID, _ := tok.Extra("bot_user_id").(string)
	var appToken string
	if user, ok := tok.Extra("authed_user").(map[string]any); ok {
		appToken, _ = user["access_token"].(string)
	}
	return chatapi.Credentials{
		WorkspaceID: teamID,
		BotToken:    tok.AccessToken,
		AppToken:    appToken,
		BotID:       botID,
		AutoStart:   i.autoStart,
	}, nil
}
