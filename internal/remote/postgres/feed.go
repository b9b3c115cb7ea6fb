package postgres

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	profiledomain "github.com/classpulse/identity-engine/internal/profile/domain"
	"github.com/classpulse/identity-engine/internal/remote"
)

// notifyChannel is the Postgres NOTIFY channel fed by the row trigger the
// migrations install on the profiles table.
const notifyChannel = "profile_changes"

// changePayload is the trigger's json_build_object shape.
type changePayload struct {
	Old *profiledomain.Profile `json:"old"`
	New *profiledomain.Profile `json:"new"`
}

// Feed delivers profile row changes via LISTEN/NOTIFY. One dedicated
// connection serves all subscriptions; each subscription is scoped to a
// single user id.
type Feed struct {
	dsn string

	mu   sync.Mutex
	subs map[string]map[string]func(old, updated *profiledomain.Profile) // userID -> subID -> fn
}

// NewFeed returns a Feed that will connect with dsn when Run is called.
func NewFeed(dsn string) *Feed {
	return &Feed{
		dsn:  dsn,
		subs: make(map[string]map[string]func(old, updated *profiledomain.Profile)),
	}
}

// SubscribeProfileUpdates registers fn for changes to userID's profile row.
func (f *Feed) SubscribeProfileUpdates(ctx context.Context, userID string, fn func(old, updated *profiledomain.Profile)) (remote.Subscription, error) {
	id := uuid.New().String()
	f.mu.Lock()
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[string]func(old, updated *profiledomain.Profile))
	}
	f.subs[userID][id] = fn
	f.mu.Unlock()
	return &feedSubscription{feed: f, userID: userID, id: id}, nil
}

// Run listens on the notify channel and dispatches payloads until ctx is
// cancelled. It returns the first connection or protocol error; the caller
// decides the restart policy.
func (f *Feed) Run(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var payload changePayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil || payload.New == nil {
			continue
		}
		f.dispatch(payload.Old, payload.New)
	}
}

func (f *Feed) dispatch(old, updated *profiledomain.Profile) {
	f.mu.Lock()
	var fns []func(o, u *profiledomain.Profile)
	for _, fn := range f.subs[updated.ID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(old.Clone(), updated.Clone())
	}
}

func (f *Feed) unsubscribe(userID, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.subs[userID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(f.subs, userID)
		}
	}
}

type feedSubscription struct {
	feed   *Feed
	userID string
	id     string
}

func (s *feedSubscription) Unsubscribe() error {
	s.feed.unsubscribe(s.userID, s.id)
	return nil
}
