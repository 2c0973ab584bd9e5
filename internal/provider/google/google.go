// Package google implements the calendar provider for Google Calendar.
package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/provider"
)

const (
	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"
	defaultTimeout   = 30 * time.Second
)

var tracer = otel.Tracer("github.com/quantumlife/labcal/internal/provider/google")

// Config holds Google OAuth and API configuration
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration

	// Overrides, used by tests.
	AuthURL     string
	TokenURL    string
	RevokeURL   string
	APIEndpoint string
	HTTPClient  *http.Client
}

// DefaultScopes is read-only calendar access.
func DefaultScopes() []string {
	return []string{calendar.CalendarReadonlyScope, calendar.CalendarEventsReadonlyScope}
}

// Provider talks to the Google Calendar API.
type Provider struct {
	cfg    Config
	oauth  *oauth2.Config
	client *http.Client
	log    *logging.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Google provider
func New(cfg Config) *Provider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = defaultRevokeURL
	}

	endpoint := googleoauth.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		client: client,
		log:    logging.Component("provider.google"),
	}
}

func (p *Provider) Name() string { return core.ProviderGoogle }

func (p *Provider) config(redirectURI string) *oauth2.Config {
	if redirectURI == "" || redirectURI == p.oauth.RedirectURL {
		return p.oauth
	}
	c := *p.oauth
	c.RedirectURL = redirectURI
	return &c
}

// AuthCodeURL requests offline access and forces the consent screen so a
// refresh token is always issued.
func (p *Provider) AuthCodeURL(state, redirectURI string) string {
	return p.config(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// oauthContext routes x/oauth2 token calls through our HTTP client.
func (p *Provider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func (p *Provider) Exchange(ctx context.Context, code, redirectURI string) (*provider.Grant, error) {
	ctx, span := tracer.Start(ctx, "google.Exchange")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	tok, err := p.config(redirectURI).Exchange(p.oauthContext(ctx), code)
	if err != nil {
		err = classifyExchange(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		return nil, err
	}

	grant := grantFrom(tok)

	email, err := p.accountEmail(ctx, tok.AccessToken)
	if err != nil {
		// The link is still usable without the address.
		p.log.WithContext(ctx).WithError(err).Warn("failed to read primary calendar")
	}
	grant.AccountEmail = email

	return grant, nil
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*provider.Grant, error) {
	ctx, span := tracer.Start(ctx, "google.Refresh")
	defer span.End()

	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token: %w", core.ErrAuthenticationRequired)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	// An expired token forces the source to refresh.
	src := p.oauth.TokenSource(p.oauthContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		err = classifyRefresh(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return nil, err
	}

	grant := grantFrom(tok)
	if grant.RefreshToken == refreshToken {
		grant.RefreshToken = ""
	}
	return grant, nil
}

func grantFrom(tok *oauth2.Token) *provider.Grant {
	return &provider.Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry.UTC(),
	}
}

func (p *Provider) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(p.oauthContext(ctx), ts))}
	if p.cfg.APIEndpoint != "" {
		opts = append(opts, option.WithEndpoint(p.cfg.APIEndpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

func (p *Provider) accountEmail(ctx context.Context, accessToken string) (string, error) {
	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	entry, err := svc.CalendarList.Get("primary").Context(ctx).Do()
	if err != nil {
		return "", classifyAPI(err)
	}
	return entry.Id, nil
}

func (p *Provider) ListEvents(ctx context.Context, accessToken string, q provider.EventQuery) (*provider.EventPage, error) {
	ctx, span := tracer.Start(ctx, "google.ListEvents")
	defer span.End()
	span.SetAttributes(
		attribute.String("calendar.id", q.CalendarID),
		attribute.Bool("sync.incremental", q.Incremental()),
	)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	calendarID := q.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	// singleEvents and showDeleted must match between the initial and
	// incremental calls sharing a sync token.
	call := svc.Events.List(calendarID).
		Context(ctx).
		SingleEvents(true).
		ShowDeleted(true)
	if q.PageSize > 0 {
		call = call.MaxResults(q.PageSize)
	}
	if q.Incremental() {
		call = call.SyncToken(q.SyncToken)
	} else {
		if !q.TimeMin.IsZero() {
			call = call.TimeMin(q.TimeMin.Format(time.RFC3339))
		}
		if !q.TimeMax.IsZero() {
			call = call.TimeMax(q.TimeMax.Format(time.RFC3339))
		}
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	events, err := call.Do()
	if err != nil {
		err = classifyAPI(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "list events failed")
		return nil, err
	}

	page := &provider.EventPage{
		Events:        make([]provider.RemoteEvent, 0, len(events.Items)),
		NextPageToken: events.NextPageToken,
		NextSyncToken: events.NextSyncToken,
	}
	for _, item := range events.Items {
		page.Events = append(page.Events, convertEvent(item, calendarID))
	}
	span.SetAttributes(attribute.Int("events.count", len(page.Events)))

	return page, nil
}

// convertEvent keeps only the fields the mirror uses.
func convertEvent(item *calendar.Event, calendarID string) provider.RemoteEvent {
	ev := provider.RemoteEvent{
		ID:          item.Id,
		CalendarID:  calendarID,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
		HTMLLink:    item.HtmlLink,
		Visibility:  item.Visibility,
		Updated:     item.Updated,
	}

	if item.Start != nil {
		ev.Start = provider.EventTime{DateTime: item.Start.DateTime, Date: item.Start.Date, TimeZone: item.Start.TimeZone}
	}
	if item.End != nil {
		ev.End = provider.EventTime{DateTime: item.End.DateTime, Date: item.End.Date, TimeZone: item.End.TimeZone}
	}

	if item.Organizer != nil {
		ev.Organizer = item.Organizer.Email
	}

	if len(item.Attendees) > 0 {
		ev.Attendees = make([]core.Attendee, 0, len(item.Attendees))
		for _, att := range item.Attendees {
			ev.Attendees = append(ev.Attendees, core.Attendee{
				Email:          att.Email,
				DisplayName:    att.DisplayName,
				ResponseStatus: att.ResponseStatus,
				Organizer:      att.Organizer,
				Optional:       att.Optional,
			})
		}
	}

	if item.Reminders != nil {
		ev.Reminders.UseDefault = item.Reminders.UseDefault
		for _, r := range item.Reminders.Overrides {
			ev.Reminders.Overrides = append(ev.Reminders.Overrides, core.Reminder{
				Method:  r.Method,
				Minutes: r.Minutes,
			})
		}
	}

	return ev
}

func (p *Provider) Watch(ctx context.Context, accessToken string, req provider.WatchRequest) (*provider.Channel, error) {
	ctx, span := tracer.Start(ctx, "google.Watch")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	ch := &calendar.Channel{
		Id:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
	}
	if req.TTL > 0 {
		ch.Params = map[string]string{"ttl": strconv.FormatInt(int64(req.TTL/time.Second), 10)}
	}

	calendarID := req.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	resp, err := svc.Events.Watch(calendarID, ch).Context(ctx).Do()
	if err != nil {
		err = classifyAPI(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "watch failed")
		return nil, err
	}

	out := &provider.Channel{
		ID:          resp.Id,
		ResourceID:  resp.ResourceId,
		ResourceURI: resp.ResourceUri,
	}
	if resp.Expiration > 0 {
		out.Expiration = time.UnixMilli(resp.Expiration).UTC()
	} else if req.TTL > 0 {
		out.Expiration = time.Now().UTC().Add(req.TTL)
	}
	return out, nil
}

// StopChannel stops a push channel. An already gone channel is not an error.
func (p *Provider) StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error {
	ctx, span := tracer.Start(ctx, "google.StopChannel")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	svc, err := p.service(ctx, accessToken)
	if err != nil {
		return err
	}

	err = svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil
		}
		return classifyAPI(err)
	}
	return nil
}

// Revoke invalidates a token at Google. x/oauth2 has no revocation call.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revoke: %v", core.ErrTransientProvider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		// Already invalid.
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: revoke returned %d", core.ErrTransientProvider, resp.StatusCode)
	default:
		return fmt.Errorf("revoke returned %d", resp.StatusCode)
	}
}

// classifyAPI maps Calendar API errors to core sentinels.
func classifyAPI(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusGone:
			return fmt.Errorf("%w: %v", core.ErrSyncTokenInvalid, err)
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", core.ErrAuthenticationRequired, err)
		case gerr.Code == http.StatusForbidden && rateLimited(gerr):
			return fmt.Errorf("%w: %v", core.ErrTransientProvider, err)
		case gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", core.ErrAuthenticationRequired, err)
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return fmt.Errorf("%w: %v", core.ErrTransientProvider, err)
		}
		return fmt.Errorf("calendar api: %w", err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return classifyRefresh(err)
	}

	if transport(err) {
		return fmt.Errorf("%w: %v", core.ErrTransientProvider, err)
	}
	return err
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

// classifyRefresh maps token endpoint errors for refresh calls.
func classifyRefresh(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "unauthorized_client" ||
			(rerr.Response != nil && (rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized)) {
			return fmt.Errorf("%w: %v", core.ErrAuthenticationRequired, err)
		}
		return fmt.Errorf("%w: %v", core.ErrTransientProvider, err)
	}
	if transport(err) {
		return fmt.Errorf("%w: %v", core.ErrTransientProvider, err)
	}
	return fmt.Errorf("%w: %v", core.ErrTransientProvider, err)
}

// classifyExchange maps token endpoint errors for code exchange.
func classifyExchange(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", core.ErrTransientProvider, err)
	}
	if transport(err) {
		return fmt.Errorf("%w: %v", core.ErrTransientProvider, err)
	}
	return fmt.Errorf("%w: %v", core.ErrExchangeFailed, err)
}

func transport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}
