package engine

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/wellsync/internal/config"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

// TimingStrategy decides when a composed batch is dispatched.
type TimingStrategy int

const (
	// StrategyImmediate dispatches as soon as the batch is composed.
	StrategyImmediate TimingStrategy = iota + 1
	// StrategyFixedInterval dispatches a fixed interval after the oldest entry.
	StrategyFixedInterval
	// StrategyAdaptiveInterval shortens the interval as the queue deepens.
	StrategyAdaptiveInterval
	// StrategyTherapeuticAligned dispatches at the next session phase
	// boundary, never later than the session's flexibility window.
	StrategyTherapeuticAligned
)

func (s TimingStrategy) String() string {
	switch s {
	case StrategyImmediate:
		return "immediate"
	case StrategyFixedInterval:
		return "fixed_interval"
	case StrategyAdaptiveInterval:
		return "adaptive_interval"
	case StrategyTherapeuticAligned:
		return "therapeutic_aligned"
	default:
		return fmt.Sprintf("TimingStrategy(%d)", int(s))
	}
}

// SelectStrategy picks the timing strategy for ordinary batches. It is a pure
// function of tier and network quality. Therapeutic batches always use
// StrategyTherapeuticAligned.
func SelectStrategy(tier model.Tier, quality model.NetworkQuality) TimingStrategy {
	switch quality {
	case model.NetworkPoor, model.NetworkOffline:
		return StrategyFixedInterval
	case model.NetworkExcellent, model.NetworkGood:
		if tier == model.TierPremium {
			return StrategyImmediate
		}
		return StrategyAdaptiveInterval
	case model.NetworkFair:
		if tier == model.TierTrial {
			return StrategyFixedInterval
		}
		return StrategyAdaptiveInterval
	default:
		return StrategyFixedInterval
	}
}

// Adjustment scales a tier's batching. Values below 1 shrink batches and
// intervals; 1 means no change.
type Adjustment struct {
	BatchScale    float64
	IntervalScale float64
}

// NoAdjustment leaves batching unchanged.
var NoAdjustment = Adjustment{BatchScale: 1, IntervalScale: 1}

// ScheduledBatch is an ordered, bounded set of non-crisis operations with the
// budget it needs and the time it should be dispatched.
type ScheduledBatch struct {
	ID         string
	Tier       model.Tier
	Operations []*model.Operation
	Usage      Usage
	DispatchAt time.Time
	Strategy   TimingStrategy
	Compress   bool

	// Therapeutic batches carry operations of one session.
	Therapeutic bool

	// Bypass marks a therapeutic batch the pool cannot admit in time. It is
	// dispatched on its own, outside the pool, without touching the
	// emergency reserve.
	Bypass bool
}

// OperationIDs returns the batch's operation IDs in order.
func (b ScheduledBatch) OperationIDs() []string {
	ids := make([]string, len(b.Operations))
	for i, op := range b.Operations {
		ids[i] = op.ID()
	}
	return ids
}

// Due reports whether the batch should be dispatched at now.
func (b ScheduledBatch) Due(now time.Time) bool {
	return !now.Before(b.DispatchAt)
}

// Optimizer composes batches from pending queue entries.
//
// Thread-safety: safe for concurrent use. Adjustments from the monitor are
// applied under the optimizer's own lock.
type Optimizer struct {
	mu     sync.Mutex
	tiers  map[model.Tier]config.TierPolicy
	adjust map[model.Tier]Adjustment
}

// NewOptimizer returns an optimizer over the tier policies.
func NewOptimizer(tiers map[model.Tier]config.TierPolicy) *Optimizer {
	return &Optimizer{tiers: tiers, adjust: make(map[model.Tier]Adjustment)}
}

// Adapt applies a monitor adjustment to tier. Adjustments compound and are
// clamped so a batch never drops below one operation and intervals never
// drop below the tier minimum.
func (o *Optimizer) Adapt(tier model.Tier, adj Adjustment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.adjust[tier]
	if !ok {
		cur = NoAdjustment
	}
	cur.BatchScale = max(cur.BatchScale*adj.BatchScale, 0.05)
	cur.IntervalScale = max(cur.IntervalScale*adj.IntervalScale, 0.05)
	o.adjust[tier] = cur
}

// ResetAdaptation clears adjustments for tier.
func (o *Optimizer) ResetAdaptation(tier model.Tier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.adjust, tier)
}

// Adjustment returns the current adjustment for tier.
func (o *Optimizer) Adjustment(tier model.Tier) Adjustment {
	o.mu.Lock()
	defer o.mu.Unlock()
	if adj, ok := o.adjust[tier]; ok {
		return adj
	}
	return NoAdjustment
}

// BatchSize returns the target batch size for tier under quality.
func (o *Optimizer) BatchSize(tier model.Tier, quality model.NetworkQuality) int {
	p := o.tiers[tier]
	adj := o.Adjustment(tier)

	size := p.OptimalBatchSize
	switch {
	case quality.Degraded():
		size *= 2
	case tier == model.TierPremium && (quality == model.NetworkGood || quality == model.NetworkExcellent):
		size /= 4
	}
	size = int(float64(size) * adj.BatchScale)
	return min(max(size, 1), p.MaximumBatchSize)
}

// interval returns the wait before an ordinary batch under strategy.
func (o *Optimizer) interval(tier model.Tier, strategy TimingStrategy, depth int) time.Duration {
	p := o.tiers[tier]
	adj := o.Adjustment(tier)

	var d time.Duration
	switch strategy {
	case StrategyImmediate, StrategyTherapeuticAligned:
		return 0
	case StrategyFixedInterval:
		d = p.FixedInterval
	case StrategyAdaptiveInterval:
		fill := min(float64(depth)/float64(max(p.MaximumBatchSize, 1)), 1)
		d = p.MaxInterval - time.Duration(float64(p.MaxInterval-p.MinInterval)*fill)
	}
	d = time.Duration(float64(d) * adj.IntervalScale)
	return max(d, p.MinInterval)
}

// ComposeBatches turns pending entries into scheduled batches.
//
// Therapeutic entries are grouped by session into their own batches first.
// Each is due at the session's next phase boundary, clamped to the oldest
// entry's submission time plus the flexibility window. A therapeutic batch
// that does not fit the available budget is marked Bypass rather than
// delayed. Ordinary entries follow in queue order, in batches of the tier's
// target size, while the available budget lasts; entries left over stay
// queued. Batches headed by CRITICAL_SAFETY entries are due immediately.
func (o *Optimizer) ComposeBatches(
	pending []Entry,
	budget ResourceBudget,
	available Usage,
	quality model.NetworkQuality,
	now time.Time,
) []ScheduledBatch {
	tier := budget.Tier
	if _, ok := o.tiers[tier]; !ok || len(pending) == 0 {
		return nil
	}

	var (
		batches []ScheduledBatch
		groups  = map[string][]Entry{}
		order   []string
		rest    []Entry
	)
	for _, e := range pending {
		if !e.Op.TherapeuticContinuity() {
			rest = append(rest, e)
			continue
		}
		key := sessionKey(e.Op)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	for _, key := range order {
		b := therapeuticBatch(tier, groups[key], now)
		if b.Usage.fits(available) {
			available = available.sub(b.Usage)
		} else {
			b.Bypass = true
			b.DispatchAt = now
		}
		batches = append(batches, b)
	}

	strategy := SelectStrategy(tier, quality)
	size := o.BatchSize(tier, quality)
	wait := o.interval(tier, strategy, len(rest))
	compress := quality.Degraded()

	for len(rest) > 0 && available.Slots > 0 {
		var (
			chunk []Entry
			usage = Usage{Slots: 1}
		)
		for _, e := range rest {
			if len(chunk) == size {
				break
			}
			next := usage.add(Usage{MemoryBytes: e.Op.SizeBytes(), BandwidthBps: e.Op.SizeBytes()})
			if !next.fits(available) {
				break
			}
			chunk = append(chunk, e)
			usage = next
		}
		if len(chunk) == 0 {
			break
		}
		rest = rest[len(chunk):]
		available = available.sub(usage)

		dispatchAt := chunk[0].EnqueuedAt.Add(wait)
		for _, e := range chunk[1:] {
			if e.EnqueuedAt.Before(chunk[0].EnqueuedAt) {
				dispatchAt = e.EnqueuedAt.Add(wait)
			}
		}
		if chunk[0].Class <= model.PriorityCriticalSafety ||
			(strategy == StrategyAdaptiveInterval && len(chunk) == size) ||
			dispatchAt.Before(now) {
			dispatchAt = now
		}

		batches = append(batches, ScheduledBatch{
			ID:         batchID(chunk),
			Tier:       tier,
			Operations: operationsOf(chunk),
			Usage:      usage,
			DispatchAt: dispatchAt,
			Strategy:   strategy,
			Compress:   compress,
		})
	}
	return batches
}

func therapeuticBatch(tier model.Tier, group []Entry, now time.Time) ScheduledBatch {
	usage := Usage{Slots: 1}
	oldest := group[0].EnqueuedAt
	for _, e := range group {
		usage = usage.add(Usage{MemoryBytes: e.Op.SizeBytes(), BandwidthBps: e.Op.SizeBytes()})
		if e.EnqueuedAt.Before(oldest) {
			oldest = e.EnqueuedAt
		}
	}

	head := group[0].Op
	window := time.Second
	boundary := now
	if s := head.Session(); s != nil {
		window = s.FlexibilityWindow()
		boundary = s.NextPhaseBoundary(now)
	}
	deadline := oldest.Add(window)
	dispatchAt := boundary
	if deadline.Before(dispatchAt) {
		dispatchAt = deadline
	}
	if dispatchAt.Before(now) {
		dispatchAt = now
	}

	return ScheduledBatch{
		ID:          batchID(group),
		Tier:        tier,
		Operations:  operationsOf(group),
		Usage:       usage,
		DispatchAt:  dispatchAt,
		Strategy:    StrategyTherapeuticAligned,
		Therapeutic: true,
	}
}

// sessionKey groups therapeutic operations. Operations flagged for
// continuity without session info form one group per operation.
func sessionKey(op *model.Operation) string {
	if s := op.Session(); s != nil {
		return "session:" + s.ID
	}
	return "op:" + op.ID()
}

func operationsOf(entries []Entry) []*model.Operation {
	ops := make([]*model.Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.Op
	}
	return ops
}

// batchID is content-addressed over the member operation IDs, so the same
// composition always gets the same ID.
func batchID(entries []Entry) string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Op.ID()
	}
	return "batch-" + ir.DigestBytes(ir.DomainBatch, []byte(strings.Join(ids, "\n")))[:16]
}

// EncodeBatch returns the canonical payload set for b, gzip-compressed when
// b.Compress is set.
func EncodeBatch(b ScheduledBatch) ([]byte, error) {
	ops := make(ir.Array, len(b.Operations))
	for i, op := range b.Operations {
		ops[i] = op.PayloadValue()
	}
	body, err := ir.MarshalCanonical(ir.Object{
		"batch_id":   ir.String(b.ID),
		"tier":       ir.String(string(b.Tier)),
		"operations": ops,
	})
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	if !b.Compress {
		return body, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress batch %s: %w", b.ID, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress batch %s: %w", b.ID, err)
	}
	return buf.Bytes(), nil
}
