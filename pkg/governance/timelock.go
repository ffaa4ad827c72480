package governance

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/StudioSol/set"
	"github.com/google/uuid"
	"github.com/raykavin/capvault/pkg/core"
	"github.com/samber/lo"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrNotReady         = errors.New("proposal not ready")
	ErrAlreadyApproved  = errors.New("proposal already approved by caller")
)

const (
	DefaultQuorum = 2
	DefaultDelay  = 24 * time.Hour
)

// CapSetter applies a capacity-cap change; *ledger.Ledger satisfies it
type CapSetter interface {
	SetCapacityCap(ctx context.Context, caller core.AccountID, capacity core.Amount) error
}

// Proposal is a pending capacity-cap change
type Proposal struct {
	ID        string
	Cap       core.Amount
	Proposer  core.AccountID
	Approvals []core.AccountID
	CreatedAt time.Time
	// QueuedAt is when the quorum was reached; zero until then.
	QueuedAt time.Time
}

// ReadyAt returns when the proposal may be executed, or zero before quorum
func (p Proposal) ReadyAt(delay time.Duration) time.Time {
	if p.QueuedAt.IsZero() {
		return time.Time{}
	}
	return p.QueuedAt.Add(delay)
}

// Timelock stages capacity-cap changes: a proposal needs approvals from a
// quorum of approvers, then a delay must elapse before anyone may execute it.
// The change is applied under the timelock's own identity, which should be the
// only caller holding core.CapabilitySetCap on the ledger.
type Timelock struct {
	mu        sync.Mutex
	target    CapSetter
	identity  core.AccountID
	approvers *set.LinkedHashSetString
	quorum    int
	delay     time.Duration
	clock     func() time.Time
	newID     func() string
	proposals map[string]*Proposal
}

// TimelockOption configures a Timelock
type TimelockOption func(*Timelock)

// WithQuorum sets how many distinct approvers a proposal needs
func WithQuorum(quorum int) TimelockOption {
	return func(t *Timelock) {
		t.quorum = quorum
	}
}

// WithDelay sets how long a proposal waits after reaching quorum
func WithDelay(delay time.Duration) TimelockOption {
	return func(t *Timelock) {
		t.delay = delay
	}
}

// WithTimelockClock overrides the time source
func WithTimelockClock(clock func() time.Time) TimelockOption {
	return func(t *Timelock) {
		t.clock = clock
	}
}

// WithProposalIDs overrides proposal ID generation
func WithProposalIDs(newID func() string) TimelockOption {
	return func(t *Timelock) {
		t.newID = newID
	}
}

// NewTimelock stages cap changes for target, applied as identity once a
// quorum of approvers agrees
func NewTimelock(target CapSetter, identity core.AccountID, approvers []core.AccountID, options ...TimelockOption) (*Timelock, error) {
	timelock := &Timelock{
		target:    target,
		identity:  identity,
		approvers: set.NewLinkedHashSetString(),
		quorum:    DefaultQuorum,
		delay:     DefaultDelay,
		clock:     time.Now,
		newID:     uuid.NewString,
		proposals: make(map[string]*Proposal),
	}
	for _, approver := range approvers {
		timelock.approvers.Add(string(approver))
	}

	for _, option := range options {
		option(timelock)
	}

	if timelock.quorum < 1 || timelock.quorum > timelock.approvers.Length() {
		return nil, fmt.Errorf("quorum %d must be between 1 and the %d approvers",
			timelock.quorum, timelock.approvers.Length())
	}
	if timelock.delay < 0 {
		return nil, fmt.Errorf("delay must not be negative, got %s", timelock.delay)
	}

	return timelock, nil
}

// Delay returns the wait between quorum and execution
func (t *Timelock) Delay() time.Duration { return t.delay }

func (t *Timelock) authorize(caller core.AccountID) error {
	if !t.approvers.InArray(string(caller)) {
		return fmt.Errorf("%w: %s is not an approver", core.ErrUnauthorized, caller)
	}
	return nil
}

// Propose stages a new cap; the proposer's approval is counted
func (t *Timelock) Propose(proposer core.AccountID, capacity core.Amount) (Proposal, error) {
	if err := t.authorize(proposer); err != nil {
		return Proposal{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	proposal := &Proposal{
		ID:        t.newID(),
		Cap:       capacity,
		Proposer:  proposer,
		Approvals: []core.AccountID{proposer},
		CreatedAt: now,
	}
	t.queueIfReady(proposal, now)
	t.proposals[proposal.ID] = proposal

	return t.copy(proposal), nil
}

// Approve adds approver's approval to the proposal
func (t *Timelock) Approve(approver core.AccountID, id string) (Proposal, error) {
	if err := t.authorize(approver); err != nil {
		return Proposal{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	proposal, ok := t.proposals[id]
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	if lo.Contains(proposal.Approvals, approver) {
		return Proposal{}, fmt.Errorf("%w: %s", ErrAlreadyApproved, approver)
	}

	proposal.Approvals = append(proposal.Approvals, approver)
	t.queueIfReady(proposal, t.clock())
	return t.copy(proposal), nil
}

// Cancel drops a pending proposal
func (t *Timelock) Cancel(caller core.AccountID, id string) error {
	if err := t.authorize(caller); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.proposals[id]; !ok {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	delete(t.proposals, id)
	return nil
}

// Execute applies a proposal that reached quorum and waited out the delay.
// Anyone may execute; the proposal is dropped once applied.
func (t *Timelock) Execute(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	proposal, ok := t.proposals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}

	if proposal.QueuedAt.IsZero() {
		return fmt.Errorf("%w: %d of %d approvals", ErrNotReady, len(proposal.Approvals), t.quorum)
	}
	if readyAt := proposal.ReadyAt(t.delay); t.clock().Before(readyAt) {
		return fmt.Errorf("%w: executable at %s", ErrNotReady, readyAt.Format(time.RFC3339))
	}

	if err := t.target.SetCapacityCap(ctx, t.identity, proposal.Cap); err != nil {
		return err
	}
	delete(t.proposals, id)
	return nil
}

// Pending returns every staged proposal, oldest first
func (t *Timelock) Pending() []Proposal {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := lo.Map(lo.Values(t.proposals), func(p *Proposal, _ int) Proposal { return t.copy(p) })
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

func (t *Timelock) queueIfReady(proposal *Proposal, now time.Time) {
	if proposal.QueuedAt.IsZero() && len(proposal.Approvals) >= t.quorum {
		proposal.QueuedAt = now
	}
}

func (t *Timelock) copy(proposal *Proposal) Proposal {
	clone := *proposal
	clone.Approvals = slices.Clone(proposal.Approvals)
	return clone
}
