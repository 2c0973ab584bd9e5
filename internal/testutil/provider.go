package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/provider"
)

// FakeProvider is an in-memory calendar provider. Events live per calendar
// and every change is sequenced, so sync tokens ("T<seq>") behave like the
// real ones: an incremental list returns what changed after the token.
type FakeProvider struct {
	// Func hooks override the default behaviour when set.
	ExchangeFunc func(ctx context.Context, code, redirectURI string) (*provider.Grant, error)
	RefreshFunc  func(ctx context.Context, refreshToken string) (*provider.Grant, error)
	WatchFunc    func(ctx context.Context, accessToken string, req provider.WatchRequest) (*provider.Channel, error)

	// ListDelay slows every ListEvents call.
	ListDelay time.Duration
	// PageSize caps events per page when the query does not set one.
	PageSize int

	mu        sync.Mutex
	seq       int
	minSeq    int
	calendars map[string]map[string]*change
	listErrs  []error
	stopped   []string
	revoked   []string
	queries   []provider.EventQuery

	listCalls    atomic.Int64
	refreshCalls atomic.Int64
	exchangeCall atomic.Int64
	watchCalls   atomic.Int64
	inFlight     atomic.Int64
	maxInFlight  atomic.Int64
}

type change struct {
	seq   int
	event provider.RemoteEvent
}

var _ provider.Provider = (*FakeProvider)(nil)

// NewFakeProvider creates an empty fake.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{calendars: make(map[string]map[string]*change)}
}

func (f *FakeProvider) Name() string { return core.ProviderGoogle }

func (f *FakeProvider) AuthCodeURL(state, redirectURI string) string {
	return "https://accounts.example.com/auth?state=" + state + "&redirect_uri=" + redirectURI
}

func (f *FakeProvider) Exchange(ctx context.Context, code, redirectURI string) (*provider.Grant, error) {
	f.exchangeCall.Add(1)
	if f.ExchangeFunc != nil {
		return f.ExchangeFunc(ctx, code, redirectURI)
	}
	if code == "bad-code" {
		return nil, fmt.Errorf("%w: invalid_grant", core.ErrExchangeFailed)
	}
	return &provider.Grant{
		AccessToken:  "at-" + code,
		RefreshToken: "rt-" + code,
		Expiry:       time.Now().Add(time.Hour).UTC(),
		AccountEmail: "lab@example.com",
	}, nil
}

func (f *FakeProvider) Refresh(ctx context.Context, refreshToken string) (*provider.Grant, error) {
	n := f.refreshCalls.Add(1)
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, refreshToken)
	}
	return &provider.Grant{
		AccessToken: fmt.Sprintf("at-refreshed-%d", n),
		Expiry:      time.Now().Add(time.Hour).UTC(),
	}, nil
}

// FailNextList queues errors returned by the next ListEvents calls, in order.
func (f *FakeProvider) FailNextList(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErrs = append(f.listErrs, errs...)
}

// Put adds or changes an event.
func (f *FakeProvider) Put(ev provider.RemoteEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.CalendarID == "" {
		ev.CalendarID = "primary"
	}
	if ev.Status == "" {
		ev.Status = "confirmed"
	}
	f.seq++
	cal := f.calendar(ev.CalendarID)
	cal[ev.ID] = &change{seq: f.seq, event: ev}
}

// Cancel marks an event deleted.
func (f *FakeProvider) Cancel(calendarID, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if calendarID == "" {
		calendarID = "primary"
	}
	f.seq++
	cal := f.calendar(calendarID)
	cal[id] = &change{seq: f.seq, event: provider.RemoteEvent{ID: id, CalendarID: calendarID, Status: "cancelled"}}
}

// InvalidateTokens makes every sync token issued so far return
// core.ErrSyncTokenInvalid.
func (f *FakeProvider) InvalidateTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.minSeq = f.seq
}

// CurrentToken is the token a full list would end with now.
func (f *FakeProvider) CurrentToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "T" + strconv.Itoa(f.seq)
}

func (f *FakeProvider) calendar(id string) map[string]*change {
	cal, ok := f.calendars[id]
	if !ok {
		cal = make(map[string]*change)
		f.calendars[id] = cal
	}
	return cal
}

func (f *FakeProvider) ListEvents(ctx context.Context, accessToken string, q provider.EventQuery) (*provider.EventPage, error) {
	f.listCalls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if f.ListDelay > 0 {
		select {
		case <-time.After(f.ListDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", core.ErrTransientProvider, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)

	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}

	calendarID := q.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	after := -1
	if q.Incremental() {
		seq, err := strconv.Atoi(strings.TrimPrefix(q.SyncToken, "T"))
		if err != nil || !strings.HasPrefix(q.SyncToken, "T") || seq < f.minSeq {
			return nil, fmt.Errorf("%w: sync token %s", core.ErrSyncTokenInvalid, q.SyncToken)
		}
		after = seq
	}

	var matched []*change
	for _, c := range f.calendar(calendarID) {
		if q.Incremental() {
			if c.seq > after {
				matched = append(matched, c)
			}
			continue
		}
		if c.event.Cancelled() {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].event.ID < matched[j].event.ID })

	size := int(q.PageSize)
	if f.PageSize > 0 && (size <= 0 || f.PageSize < size) {
		size = f.PageSize
	}
	if size <= 0 {
		size = len(matched)
	}

	start := 0
	if q.PageToken != "" {
		start, _ = strconv.Atoi(strings.TrimPrefix(q.PageToken, "P"))
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}

	page := &provider.EventPage{}
	for _, c := range matched[start:end] {
		page.Events = append(page.Events, c.event)
	}
	if end < len(matched) {
		page.NextPageToken = "P" + strconv.Itoa(end)
	} else {
		page.NextSyncToken = "T" + strconv.Itoa(f.seq)
	}
	return page, nil
}

func (f *FakeProvider) Watch(ctx context.Context, accessToken string, req provider.WatchRequest) (*provider.Channel, error) {
	f.watchCalls.Add(1)
	if f.WatchFunc != nil {
		return f.WatchFunc(ctx, accessToken, req)
	}
	return &provider.Channel{
		ID:         req.ChannelID,
		ResourceID: "res-" + req.CalendarID,
		Expiration: time.Now().Add(req.TTL).UTC(),
	}, nil
}

func (f *FakeProvider) StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, channelID)
	return nil
}

func (f *FakeProvider) Revoke(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return nil
}

// ListCalls returns the number of ListEvents calls.
func (f *FakeProvider) ListCalls() int64 { return f.listCalls.Load() }

// RefreshCalls returns the number of Refresh calls.
func (f *FakeProvider) RefreshCalls() int64 { return f.refreshCalls.Load() }

// ExchangeCalls returns the number of Exchange calls.
func (f *FakeProvider) ExchangeCalls() int64 { return f.exchangeCall.Load() }

// WatchCalls returns the number of Watch calls.
func (f *FakeProvider) WatchCalls() int64 { return f.watchCalls.Load() }

// MaxConcurrentLists is the highest number of overlapping ListEvents calls.
func (f *FakeProvider) MaxConcurrentLists() int64 { return f.maxInFlight.Load() }

// Queries returns every ListEvents query seen.
func (f *FakeProvider) Queries() []provider.EventQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.EventQuery, len(f.queries))
	copy(out, f.queries)
	return out
}

// Stopped returns the ids of stopped channels.
func (f *FakeProvider) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// Revoked returns the revoked tokens.
func (f *FakeProvider) Revoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}
