// Package reconcile keeps OW-managed groups convergent with the OW roster.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dotkom/vengeful-vineyard/internal/audit"
	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/obs"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

const (
	defaultConcurrency = 8
	defaultJoinTimeout = 5 * time.Second
	defaultTaskTimeout = 30 * time.Second
)

// ErrorReporter receives per-group failures that are not returned to the
// caller.
type ErrorReporter func(ctx context.Context, externalGroupID int64, err error)

// Engine reconciles local groups against OW.
type Engine struct {
	dir         Directory
	store       Store
	roles       RoleMapper
	concurrency int
	joinTimeout time.Duration
	taskTimeout time.Duration
	report      ErrorReporter
	now         func() time.Time
	flight      singleflight.Group

	// dropped holds, per OW group, membership ids the last pass skipped as
	// duplicate or user-less. OW keeps listing them but no row ever exists.
	droppedMu sync.Mutex
	dropped   map[int64]map[int64]struct{}
}

// Option configures Engine.
type Option func(*Engine)

// WithConcurrency caps how many groups sync at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithJoinTimeout bounds how long a waiting caller blocks on the fan-out.
// Tasks keep running after the caller gives up.
func WithJoinTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.joinTimeout = d
		}
	}
}

// WithTaskTimeout bounds one group's sync, including its OW calls.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// WithErrorReporter replaces the default log-based reporter.
func WithErrorReporter(fn ErrorReporter) Option {
	return func(e *Engine) {
		if fn != nil {
			e.report = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(dir Directory, store Store, roles RoleMapper, opts ...Option) (*Engine, error) {
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	e := &Engine{
		dir:         dir,
		store:       store,
		roles:       roles,
		concurrency: defaultConcurrency,
		joinTimeout: defaultJoinTimeout,
		taskTimeout: defaultTaskTimeout,
		report:      logReporter,
		now:         func() time.Time { return time.Now().UTC() },
		dropped:     make(map[int64]map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func logReporter(_ context.Context, externalGroupID int64, err error) {
	obs.Error("group sync failed", err, map[string]any{"ow_group_id": externalGroupID})
}

// Result summarises one group's reconciliation.
type Result struct {
	GroupID         string `json:"group_id"`
	ExternalGroupID int64  `json:"ow_group_id"`
	Created         bool   `json:"created"`
	MembersAdded    int    `json:"members_added"`
	MembersUpdated  int    `json:"members_updated"`
	MembersRemoved  int    `json:"members_removed"`
	GrantsAdded     int    `json:"grants_added"`
	GrantsRemoved   int    `json:"grants_removed"`
}

// Changes is the total number of rows written.
func (r Result) Changes() int {
	return r.MembersAdded + r.MembersUpdated + r.MembersRemoved + r.GrantsAdded + r.GrantsRemoved
}

// SyncGroup makes the local copy of g match its current OW roster.
// Concurrent calls for the same OW group share one pass. The shared pass
// runs detached from any single caller, bounded by the task timeout; a
// caller whose ctx ends stops waiting without aborting it.
func (e *Engine) SyncGroup(ctx context.Context, g ow.Group) (Result, error) {
	if g.ExternalID == 0 {
		return Result{}, fmt.Errorf("%w: group has no ow id", auth.ErrInvalidInput)
	}
	key := strconv.FormatInt(g.ExternalID, 10)
	ch := e.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.taskTimeout)
		defer cancel()
		return e.syncGroup(fctx, g)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SyncLocalGroup syncs a group by its local id. Groups OW does not manage
// are rejected with ErrInvalidInput.
func (e *Engine) SyncLocalGroup(ctx context.Context, groupID string) (Result, error) {
	group, err := e.store.GroupByID(ctx, groupID)
	if err != nil {
		return Result{}, err
	}
	if !group.Managed() {
		return Result{}, fmt.Errorf("%w: group %s is not managed by ow", auth.ErrInvalidInput, groupID)
	}
	return e.SyncGroup(ctx, ow.Group{
		ExternalID: group.ExternalID,
		Name:       group.Name,
		ShortName:  group.ShortName,
		ImageURL:   group.Image,
	})
}

func (e *Engine) syncGroup(ctx context.Context, g ow.Group) (res Result, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		obs.ObserveReconcile(result, time.Since(start))
	}()

	group, created, err := e.store.UpsertExternalGroup(ctx, g)
	if err != nil {
		return Result{}, fmt.Errorf("upsert group %d: %w", g.ExternalID, err)
	}

	// The roster is fetched before the transaction opens so no connection
	// is held across the OW call.
	roster, err := e.dir.FetchGroupRoster(ctx, g.ExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch roster %d: %w", g.ExternalID, err)
	}
	full := roster
	roster = DedupeRoster(full)

	res, err = e.apply(ctx, group, roster, created)
	if errors.Is(err, auth.ErrConflict) {
		// Another pass for this group won a race on insert; diff against
		// what it wrote.
		res, err = e.apply(ctx, group, roster, false)
	}
	if err != nil {
		return Result{}, fmt.Errorf("reconcile group %d: %w", g.ExternalID, err)
	}
	e.rememberDropped(g.ExternalID, DroppedMembershipIDs(full, roster))
	res.GroupID = group.ID
	res.ExternalGroupID = g.ExternalID
	res.Created = created
	e.count(res)
	return res, nil
}

func (e *Engine) apply(ctx context.Context, group auth.Group, roster []ow.RosterEntry, fresh bool) (Result, error) {
	var res Result
	now := e.now()
	actx := audit.WithSource(ctx, "sync")

	err := e.store.WithinGroup(ctx, group.ID, func(ctx context.Context, tx GroupTx) error {
		res = Result{}
		var (
			plan    MembershipPlan
			current []auth.Grant
			err     error
		)
		if fresh {
			plan = MembershipPlan{Add: roster, Kept: map[int64]string{}}
		} else {
			local, err := tx.Memberships(ctx)
			if err != nil {
				return fmt.Errorf("load memberships: %w", err)
			}
			plan = DiffMemberships(roster, local, now)
			current, err = tx.AutoGrants(ctx)
			if err != nil {
				return fmt.Errorf("load auto grants: %w", err)
			}
		}

		userIDs := make(map[int64]string, len(roster))
		for _, entry := range roster {
			if uid, ok := plan.Kept[entry.ExternalMembershipID]; ok {
				userIDs[entry.User.ExternalID] = uid
			}
		}

		if len(plan.Remove) > 0 {
			ids := make([]string, 0, len(plan.Remove))
			for _, m := range plan.Remove {
				ids = append(ids, m.UserID)
			}
			if err = tx.DeleteMemberships(ctx, ids); err != nil {
				return fmt.Errorf("delete memberships: %w", err)
			}
			res.MembersRemoved = len(plan.Remove)
		}
		if len(plan.Update) > 0 {
			if err = tx.UpdateMemberships(ctx, plan.Update); err != nil {
				return fmt.Errorf("update memberships: %w", err)
			}
			res.MembersUpdated = len(plan.Update)
		}
		var added []auth.Membership
		if len(plan.Add) > 0 {
			users := make([]ow.RosterUser, 0, len(plan.Add))
			for _, entry := range plan.Add {
				users = append(users, entry.User)
			}
			ids, err := tx.UpsertUsers(ctx, users)
			if err != nil {
				return fmt.Errorf("upsert users: %w", err)
			}
			for ext, uid := range ids {
				userIDs[ext] = uid
			}
			added = NewMemberships(group.ID, plan.Add, ids, now)
			if err = tx.InsertMemberships(ctx, added); err != nil {
				return fmt.Errorf("insert memberships: %w", err)
			}
			res.MembersAdded = len(added)
		}

		desired := DesiredGrants(group.ID, roster, userIDs, e.roles)
		grantAdd, grantRemove := DiffGrants(desired, current)
		if len(grantRemove) > 0 {
			if err = tx.DeleteAutoGrants(ctx, grantRemove); err != nil {
				return fmt.Errorf("delete auto grants: %w", err)
			}
			res.GrantsRemoved = len(grantRemove)
		}
		if len(grantAdd) > 0 {
			if err = tx.InsertAutoGrants(ctx, grantAdd); err != nil {
				return fmt.Errorf("insert auto grants: %w", err)
			}
			res.GrantsAdded = len(grantAdd)
		}

		e.auditChanges(actx, group, plan, added, grantAdd, grantRemove)
		return nil
	})
	return res, err
}

// auditChanges runs inside the transaction callback, so a rolled back pass
// may still have logged. Entries describe intent, not commit.
func (e *Engine) auditChanges(ctx context.Context, group auth.Group, plan MembershipPlan, added []auth.Membership, grantAdd, grantRemove []auth.Grant) {
	for _, m := range plan.Remove {
		_ = audit.LogEvent(ctx, "reconcile.membership.remove", map[string]any{
			"group_id": group.ID, "user_id": m.UserID, "ow_group_user_id": m.ExternalMembershipID,
		})
	}
	for _, m := range plan.Update {
		_ = audit.LogEvent(ctx, "reconcile.membership.update", map[string]any{
			"group_id": group.ID, "user_id": m.UserID, "active": m.Active,
		})
	}
	for _, m := range added {
		_ = audit.LogEvent(ctx, "reconcile.membership.add", map[string]any{
			"group_id": group.ID, "user_id": m.UserID, "ow_group_user_id": m.ExternalMembershipID, "active": m.Active,
		})
	}
	for _, g := range grantRemove {
		_ = audit.LogEvent(ctx, "reconcile.grant.remove", map[string]any{
			"group_id": group.ID, "user_id": g.UserID, "privilege": g.Privilege,
		})
	}
	for _, g := range grantAdd {
		_ = audit.LogEvent(ctx, "reconcile.grant.add", map[string]any{
			"group_id": group.ID, "user_id": g.UserID, "privilege": g.Privilege,
		})
	}
}

func (e *Engine) count(r Result) {
	obs.AddReconcileChanges("membership", "add", r.MembersAdded)
	obs.AddReconcileChanges("membership", "update", r.MembersUpdated)
	obs.AddReconcileChanges("membership", "remove", r.MembersRemoved)
	obs.AddReconcileChanges("grant", "add", r.GrantsAdded)
	obs.AddReconcileChanges("grant", "remove", r.GrantsRemoved)
}

// Mode selects how SyncAllGroupsForUser waits.
type Mode int

const (
	// Blocking waits for every group, bounded by the join timeout.
	Blocking Mode = iota
	// BestEffort waits only when a cheap check finds a group whose stored
	// membership differs from OW; otherwise it returns immediately.
	BestEffort
)

func (m Mode) String() string {
	if m == BestEffort {
		return "best_effort"
	}
	return "blocking"
}

// Report describes a fan-out over a user's groups.
type Report struct {
	Groups   int             `json:"groups"`
	Waited   bool            `json:"waited"`
	TimedOut bool            `json:"timed_out"`
	Results  []Result        `json:"results,omitempty"`
	Failed   map[int64]error `json:"-"`
}

// SyncAllGroupsForUser syncs every OW group the user belongs to. Group
// failures go to the error reporter and into Report.Failed; they never
// fail the call. The error return covers listing the user's groups only.
func (e *Engine) SyncAllGroupsForUser(ctx context.Context, externalUserID int64, mode Mode) (Report, error) {
	groups, err := e.dir.FetchGroupsForUser(ctx, externalUserID)
	if err != nil {
		return Report{}, fmt.Errorf("list groups for ow user %d: %w", externalUserID, err)
	}
	rep := Report{Groups: len(groups)}
	if len(groups) == 0 {
		return rep, nil
	}

	wait := mode == Blocking
	if !wait {
		wait, err = e.discrepancy(ctx, groups)
		if err != nil {
			// Can't tell; err on the side of fresh data.
			obs.Warn("membership estimate failed", map[string]any{"error": err.Error(), "ow_user_id": externalUserID})
			wait = true
		}
	}

	done := e.fanOut(ctx, groups)
	if !wait {
		return rep, nil
	}
	rep.Waited = true

	timer := time.NewTimer(e.joinTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		out.Groups = rep.Groups
		out.Waited = true
		return out, nil
	case <-timer.C:
		rep.TimedOut = true
		return rep, nil
	case <-ctx.Done():
		rep.TimedOut = true
		return rep, nil
	}
}

// discrepancy reports whether any group is unknown locally or has a
// stored membership set that differs from what OW lists.
func (e *Engine) discrepancy(ctx context.Context, groups []ow.Group) (bool, error) {
	ids := make([]int64, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ExternalID)
	}
	index, err := e.store.ExternalMembershipIndex(ctx, ids)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		stored, ok := index[g.ExternalID]
		if !ok {
			return true, nil
		}
		dropped := e.droppedFor(g.ExternalID)
		listed := 0
		for _, id := range g.MembershipIDs {
			if _, ok := dropped[id]; ok {
				continue
			}
			if _, ok := stored[id]; !ok {
				return true, nil
			}
			listed++
		}
		if listed != len(stored) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) rememberDropped(externalGroupID int64, ids map[int64]struct{}) {
	e.droppedMu.Lock()
	defer e.droppedMu.Unlock()
	if len(ids) == 0 {
		delete(e.dropped, externalGroupID)
		return
	}
	e.dropped[externalGroupID] = ids
}

func (e *Engine) droppedFor(externalGroupID int64) map[int64]struct{} {
	e.droppedMu.Lock()
	defer e.droppedMu.Unlock()
	return e.dropped[externalGroupID]
}

// fanOut starts one task per group and delivers the combined report when
// all are done. Tasks are detached from ctx cancellation so a caller that
// stops waiting does not abort work in flight.
func (e *Engine) fanOut(ctx context.Context, groups []ow.Group) <-chan Report {
	done := make(chan Report, 1)
	base := context.WithoutCancel(ctx)

	go func() {
		var (
			mu  sync.Mutex
			rep = Report{Failed: make(map[int64]error)}
			eg  errgroup.Group
		)
		eg.SetLimit(e.concurrency)
		for _, g := range groups {
			eg.Go(func() error {
				tctx, cancel := context.WithTimeout(base, e.taskTimeout)
				defer cancel()
				res, err := e.SyncGroup(tctx, g)
				if err != nil {
					e.report(tctx, g.ExternalID, err)
				}
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					rep.Failed[g.ExternalID] = err
					return nil
				}
				rep.Results = append(rep.Results, res)
				return nil
			})
		}
		_ = eg.Wait()
		done <- rep
	}()
	return done
}
