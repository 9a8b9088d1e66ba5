// Package wallabag implements both roles against a wallabag instance: the
// provider reads saved articles, the consumer saves new ones. Wallabag
// issues short-lived OAuth tokens through the password grant, so a fresh
// token is obtained per call instead of being stored.
package wallabag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/common/httpclient"
	"triggerhappy/internal/common/utils"
	"triggerhappy/internal/services"
)

const ServiceName = "wallabag"

// SettingURL is the connection setting holding the instance base URL
const SettingURL = "url"

// Credentials is the opaque connection credential, stored as JSON
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

type Service struct {
	client *httpclient.Client
}

func NewService(client *httpclient.Client) *Service {
	if client == nil {
		client = httpclient.New()
	}
	return &Service{client: client}
}

// Factory registers the plugin under its service name
func Factory(client *httpclient.Client) services.Factory {
	return services.FactoryFunc{
		Name: ServiceName,
		Fn:   func() (services.Plugin, error) { return NewService(client), nil },
	}
}

func (s *Service) Name() string { return ServiceName }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// token exchanges the stored credentials for an access token
func (s *Service) token(ctx context.Context, baseURL string, creds Credentials) (string, error) {
	values := url.Values{
		"grant_type":    {"password"},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"username":      {creds.Username},
		"password":      {creds.Password},
	}

	var resp tokenResponse
	if err := s.client.PostForm(ctx, baseURL+"/oauth/v2/token", values, &resp); err != nil {
		return "", errors.AuthError("wallabag token exchange failed: " + err.Error())
	}
	if resp.AccessToken == "" {
		return "", errors.AuthError("wallabag token response carried no access token")
	}
	return resp.AccessToken, nil
}

func (s *Service) session(ctx context.Context, conn services.Connection) (string, string, error) {
	baseURL := strings.TrimRight(conn.Setting(SettingURL), "/")
	if baseURL == "" {
		return "", "", errors.ValidationError("connection has no " + SettingURL + " setting")
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(conn.Credential), &creds); err != nil {
		return "", "", errors.ValidationError("connection credential is not valid wallabag credentials")
	}

	token, err := s.token(ctx, baseURL, creds)
	if err != nil {
		return "", "", err
	}
	return baseURL, token, nil
}

type entriesResponse struct {
	Embedded struct {
		Items []entry `json:"items"`
	} `json:"_embedded"`
}

type entry struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Fetch lists articles created since the watermark, oldest first
func (s *Service) Fetch(ctx context.Context, conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
	baseURL, token, err := s.session(ctx, conn)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/entries.json?since=%d&sort=created&order=asc", baseURL, since.Unix())
	headers := map[string]string{"Authorization": "Bearer " + token}

	var resp entriesResponse
	if err := s.client.GetJSON(ctx, endpoint, headers, &resp); err != nil {
		return nil, errors.FetchError("listing wallabag entries", err)
	}

	items := make([]services.FetchedItem, 0, len(resp.Embedded.Items))
	for _, e := range resp.Embedded.Items {
		item := services.FetchedItem{
			Title:   e.Title,
			Content: e.Content,
			Link:    e.URL,
		}
		if created, err := utils.ParseTimestamp(e.CreatedAt); err == nil {
			item.PublishedAt = &created
		}
		items = append(items, item)
	}
	return items, nil
}

// Deliver saves the item's link as a new wallabag article. Wallabag
// deduplicates by URL on its side, which makes redelivery harmless.
func (s *Service) Deliver(ctx context.Context, conn services.Connection, triggerID int64, item services.FetchedItem) error {
	if item.Link == "" {
		return errors.DeliveryError("item has no link to save", nil)
	}

	baseURL, token, err := s.session(ctx, conn)
	if err != nil {
		return err
	}

	payload := map[string]string{
		"url":   item.Link,
		"title": item.Title,
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	if err := s.client.PostJSON(ctx, baseURL+"/api/entries.json", headers, payload, nil); err != nil {
		return errors.DeliveryError("saving wallabag entry", err)
	}
	return nil
}

// BeginAuthorization starts the credential capture. The password grant has
// no external consent page, so the user is sent straight to the callback
// carrying the state token.
func (s *Service) BeginAuthorization(ctx context.Context, user, state, callbackURL string) (string, error) {
	return callbackURL + "?state=" + url.QueryEscape(state), nil
}

// CompleteAuthorization validates the submitted instance credentials by
// performing one token exchange, then returns the connection to persist.
func (s *Service) CompleteAuthorization(ctx context.Context, user string, payload map[string]string) (services.Connection, error) {
	baseURL := strings.TrimRight(payload[SettingURL], "/")
	if baseURL == "" {
		return services.Connection{}, errors.ValidationError("missing wallabag instance url")
	}

	creds := Credentials{
		ClientID:     payload["client_id"],
		ClientSecret: payload["client_secret"],
		Username:     payload["username"],
		Password:     payload["password"],
	}
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.Username == "" {
		return services.Connection{}, errors.ValidationError("incomplete wallabag credentials")
	}

	if _, err := s.token(ctx, baseURL, creds); err != nil {
		return services.Connection{}, err
	}

	raw, err := json.Marshal(creds)
	if err != nil {
		return services.Connection{}, errors.InternalError("encoding wallabag credentials", err)
	}

	return services.Connection{
		Owner:       user,
		ServiceName: ServiceName,
		Credential:  string(raw),
		Settings:    map[string]string{SettingURL: baseURL},
	}, nil
}
