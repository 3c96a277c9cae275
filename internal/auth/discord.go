package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const discordAPI = "https://discord.com/api/v10"

// DiscordEndpoint is the Discord OAuth2 endpoint pair.
var DiscordEndpoint = oauth2.Endpoint{
	AuthURL:  "https://discord.com/oauth2/authorize",
	TokenURL: "https://discord.com/api/oauth2/token",
}

// DiscordScopes are requested at login: identify for the profile, guilds
// for the membership gate.
var DiscordScopes = []string{"identify", "guilds"}

// DiscordUser is the subset of the /users/@me response the instancer needs.
type DiscordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
}

// DiscordGuild is one entry of the /users/@me/guilds response.
type DiscordGuild struct {
	ID string `json:"id"`
}

// DiscordClient calls the Discord API on behalf of one access token.
type DiscordClient struct {
	accessToken string
	httpClient  *http.Client
}

// NewDiscordClient creates a client for the given bearer token.
func NewDiscordClient(accessToken string) *DiscordClient {
	return &DiscordClient{
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// CurrentUser fetches the authenticated user's profile.
func (c *DiscordClient) CurrentUser(ctx context.Context) (*DiscordUser, error) {
	var u DiscordUser
	if err := c.get(ctx, "/users/@me", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CurrentGuilds fetches the guilds the authenticated user belongs to.
func (c *DiscordClient) CurrentGuilds(ctx context.Context) ([]DiscordGuild, error) {
	var guilds []DiscordGuild
	if err := c.get(ctx, "/users/@me/guilds", &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

// MemberOf reports whether the user belongs to the given guild.
func (c *DiscordClient) MemberOf(ctx context.Context, guildID string) (bool, error) {
	guilds, err := c.CurrentGuilds(ctx)
	if err != nil {
		return false, err
	}
	for _, g := range guilds {
		if g.ID == guildID {
			return true, nil
		}
	}
	return false, nil
}

func (c *DiscordClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discordAPI+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling discord %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discord %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding discord %s response: %w", path, err)
	}
	return nil
}
