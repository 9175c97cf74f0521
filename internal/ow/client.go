// Package ow is a client for the Online web (OW) user and group API.
package ow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/dotkom/vengeful-vineyard/internal/obs"
)

const (
	DefaultBaseURL    = "https://old.online.ntnu.no/api/v1"
	DefaultProfileURL = "https://auth.online.ntnu.no/openid/userinfo"

	rosterPageSize = 100
	maxPages       = 50
	maxBodyBytes   = 4 << 20
)

var defaultGroupTypes = []string{"committee", "node_committee"}

// Client talks to OW over HTTP.
type Client struct {
	baseURL    string
	profileURL string
	http       *http.Client
	limiter    *rate.Limiter
	groupTypes map[string]struct{}
	denylist   map[int64]struct{}
}

// Option configures Client.
type Option func(*Client)

// WithBaseURL overrides the OW API root.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.baseURL = u
		}
	}
}

// WithProfileURL overrides the endpoint used to resolve credentials.
func WithProfileURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimSpace(u); u != "" {
			c.profileURL = u
		}
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit bounds outbound requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithGroupTypes restricts FetchGroupsForUser to these OW group types.
func WithGroupTypes(types ...string) Option {
	return func(c *Client) {
		if len(types) == 0 {
			return
		}
		c.groupTypes = make(map[string]struct{}, len(types))
		for _, t := range types {
			c.groupTypes[strings.TrimSpace(t)] = struct{}{}
		}
	}
}

// WithDenylist excludes these OW group ids from FetchGroupsForUser.
func WithDenylist(ids ...int64) Option {
	return func(c *Client) {
		for _, id := range ids {
			c.denylist[id] = struct{}{}
		}
	}
}

// NewClient constructs an OW client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		profileURL: DefaultProfileURL,
		http:       &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		denylist:   make(map[int64]struct{}),
	}
	WithGroupTypes(defaultGroupTypes...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchProfile returns the OW user owning credential.
func (c *Client) FetchProfile(ctx context.Context, credential string) (Profile, error) {
	hc := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, c.http),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential, TokenType: "Bearer"}),
	)
	var dto profileDTO
	if err := c.getJSON(ctx, hc, "profile", c.profileURL, &dto); err != nil {
		return Profile{}, err
	}
	p, err := dto.toProfile()
	if err != nil {
		return Profile{}, &ExternalError{Endpoint: "profile", StatusCode: http.StatusOK, Err: err}
	}
	return p, nil
}

// FetchGroupsForUser lists the committee-like OW groups the user is in,
// minus the denylist.
func (c *Client) FetchGroupsForUser(ctx context.Context, externalUserID int64) ([]Group, error) {
	q := url.Values{}
	q.Set("members__user", strconv.FormatInt(externalUserID, 10))
	next := c.baseURL + "/group/online-groups/?" + q.Encode()

	var groups []Group
	for i := 0; next != "" && i < maxPages; i++ {
		var p page[groupDTO]
		if err := c.getJSON(ctx, c.http, "groups", next, &p); err != nil {
			return nil, err
		}
		for _, dto := range p.Results {
			if !c.wantGroup(dto) {
				continue
			}
			groups = append(groups, dto.toGroup())
		}
		next = nextURL(p.Next)
	}
	if next != "" {
		return nil, errTooManyPages("groups")
	}
	return groups, nil
}

// FetchGroupRoster returns the current roster of an OW group. A group OW
// does not know has an empty roster.
func (c *Client) FetchGroupRoster(ctx context.Context, externalGroupID int64) ([]RosterEntry, error) {
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(rosterPageSize))
	next := fmt.Sprintf("%s/group/online-groups/%d/group-users/?%s", c.baseURL, externalGroupID, q.Encode())

	var roster []RosterEntry
	for i := 0; next != "" && i < maxPages; i++ {
		var p page[rosterDTO]
		err := c.getJSON(ctx, c.http, "roster", next, &p)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for _, dto := range p.Results {
			roster = append(roster, dto.toEntry())
		}
		next = nextURL(p.Next)
	}
	// A truncated roster would read as departures and delete members.
	if next != "" {
		return nil, errTooManyPages("roster")
	}
	return roster, nil
}

func (c *Client) wantGroup(dto groupDTO) bool {
	if _, denied := c.denylist[dto.ID]; denied {
		return false
	}
	_, ok := c.groupTypes[dto.GroupType]
	return ok
}

func (c *Client) getJSON(ctx context.Context, hc *http.Client, endpoint, target string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ExternalError{Endpoint: endpoint, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &ExternalError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		obs.ObserveOWRequest(endpoint, "error")
		return &ExternalError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	obs.ObserveOWRequest(endpoint, strconv.Itoa(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s returned %d", ErrNotFound, endpoint, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &ExternalError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return &ExternalError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func errTooManyPages(endpoint string) error {
	return &ExternalError{Endpoint: endpoint, Err: fmt.Errorf("result spans more than %d pages", maxPages)}
}

func nextURL(next *string) string {
	if next == nil {
		return ""
	}
	return strings.TrimSpace(*next)
}
