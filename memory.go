package troupe

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryClass partitions an agent's memory store.
type MemoryClass string

const (
	MemoryShort    MemoryClass = "short"
	MemoryLong     MemoryClass = "long"
	MemoryEpisodic MemoryClass = "episodic"
	MemorySemantic MemoryClass = "semantic"
)

var memoryClasses = []MemoryClass{MemoryShort, MemoryLong, MemoryEpisodic, MemorySemantic}

// MemoryItem is one stored memory. Class is immutable after Store;
// Importance is clamped to [0,1].
type MemoryItem struct {
	ID         string            `json:"id"`
	Class      MemoryClass       `json:"class"`
	Content    string            `json:"content"`
	Importance float64           `json:"importance"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastAccess time.Time         `json:"last_access"`
	TTL        time.Duration     `json:"ttl,omitempty"`

	// Embedding is filled at store time when an EmbedFunc is configured.
	// It is excluded from snapshots and recomputed lazily after restore.
	Embedding []float32 `json:"-"`
}

// MemoryConfig bounds a memory store.
type MemoryConfig struct {
	MaxShort    int
	MaxLong     int
	MaxEpisodic int
	MaxSemantic int
	// MaxAge expires any item regardless of its own TTL. Zero disables.
	MaxAge time.Duration
	// PressureThreshold is the total-fill fraction at which every class
	// is shrunk by 10%.
	PressureThreshold float64
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.MaxShort <= 0 {
		c.MaxShort = 50
	}
	if c.MaxLong <= 0 {
		c.MaxLong = 1000
	}
	if c.MaxEpisodic <= 0 {
		c.MaxEpisodic = 500
	}
	if c.MaxSemantic <= 0 {
		c.MaxSemantic = 2000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * 24 * time.Hour
	}
	if c.PressureThreshold <= 0 || c.PressureThreshold > 1 {
		c.PressureThreshold = 0.9
	}
	return c
}

func (c MemoryConfig) capFor(class MemoryClass) int {
	switch class {
	case MemoryShort:
		return c.MaxShort
	case MemoryLong:
		return c.MaxLong
	case MemoryEpisodic:
		return c.MaxEpisodic
	case MemorySemantic:
		return c.MaxSemantic
	}
	return 0
}

// EmbedFunc turns text into a vector for similarity scoring. Typically
// backed by Gateway.Embed.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// EvictReason says why an item left the store.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
	EvictPressure EvictReason = "pressure"
)

// BoundedMemory is a four-class memory store with per-class caps,
// TTL expiry, and pressure eviction. It is owned by a single agent;
// all operations are safe for concurrent use.
type BoundedMemory struct {
	cfg     MemoryConfig
	clock   Clock
	logger  *slog.Logger
	embed   EmbedFunc
	onEvict func(item MemoryItem, reason EvictReason)

	mu      sync.Mutex
	classes map[MemoryClass][]*MemoryItem
}

// MemoryOption configures a BoundedMemory.
type MemoryOption func(*BoundedMemory)

// MemoryClock overrides the clock, for tests.
func MemoryClock(c Clock) MemoryOption {
	return func(m *BoundedMemory) { m.clock = c }
}

// MemoryLogger sets the structured logger for eviction events.
func MemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *BoundedMemory) { m.logger = l }
}

// MemoryEmbedder enables similarity scoring during Retrieve. Without it
// retrieval falls back to keyword overlap.
func MemoryEmbedder(fn EmbedFunc) MemoryOption {
	return func(m *BoundedMemory) { m.embed = fn }
}

// MemoryOnEvict registers an eviction callback. It is invoked outside
// the store's lock.
func MemoryOnEvict(fn func(item MemoryItem, reason EvictReason)) MemoryOption {
	return func(m *BoundedMemory) { m.onEvict = fn }
}

// NewBoundedMemory creates an empty store.
func NewBoundedMemory(cfg MemoryConfig, opts ...MemoryOption) *BoundedMemory {
	m := &BoundedMemory{
		cfg:     cfg.withDefaults(),
		clock:   NewClock(),
		logger:  nopLogger,
		classes: make(map[MemoryClass][]*MemoryItem, len(memoryClasses)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store inserts an item. A missing ID is generated, importance is
// clamped, and when the class is at capacity the item with the lowest
// importance (ties broken by oldest last access) is evicted first.
func (m *BoundedMemory) Store(ctx context.Context, item MemoryItem) (string, error) {
	if !validClass(item.Class) {
		return "", newError(KindInvalidRequest, "memory", "unknown memory class %q", item.Class)
	}
	if item.ID == "" {
		item.ID = NewID()
	}
	item.Importance = clamp01(item.Importance)
	now := m.clock.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.LastAccess = now

	if m.embed != nil && item.Embedding == nil {
		vec, err := m.embed(ctx, item.Content)
		if err != nil {
			// Degrade to keyword scoring for this item rather than
			// failing the store.
			m.logger.Warn("memory embed failed", "id", item.ID, "error", err)
		} else {
			item.Embedding = vec
		}
	}

	var evicted *MemoryItem
	m.mu.Lock()
	bucket := m.classes[item.Class]
	if len(bucket) >= m.cfg.capFor(item.Class) {
		i := lowestValueIndex(bucket)
		evicted = bucket[i]
		bucket = append(bucket[:i], bucket[i+1:]...)
	}
	m.classes[item.Class] = append(bucket, &item)
	m.mu.Unlock()

	if evicted != nil {
		m.notifyEvict(*evicted, EvictCapacity)
	}
	return item.ID, nil
}

// Retrieve returns up to limit items ranked by
// 0.5*similarity + 0.3*importance + 0.2*recency. An empty class searches
// every class. Returned items have their last-access time refreshed.
func (m *BoundedMemory) Retrieve(ctx context.Context, query string, class MemoryClass, limit int) ([]MemoryItem, error) {
	if class != "" && !validClass(class) {
		return nil, newError(KindInvalidRequest, "memory", "unknown memory class %q", class)
	}
	if limit <= 0 {
		limit = 10
	}

	var queryVec []float32
	if m.embed != nil {
		vec, err := m.embed(ctx, query)
		if err != nil {
			m.logger.Warn("memory query embed failed", "error", err)
		} else {
			queryVec = vec
		}
	}

	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		item  *MemoryItem
		score float64
	}
	var candidates []scored
	for _, c := range memoryClasses {
		if class != "" && c != class {
			continue
		}
		for _, it := range m.classes[c] {
			sim := similarity(query, queryVec, it)
			rec := recency(now, it.LastAccess)
			candidates = append(candidates, scored{it, 0.5*sim + 0.3*it.Importance + 0.2*rec})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].item.CreatedAt.Equal(candidates[j].item.CreatedAt) {
			return candidates[i].item.CreatedAt.Before(candidates[j].item.CreatedAt)
		}
		return candidates[i].item.ID < candidates[j].item.ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]MemoryItem, len(candidates))
	for i, s := range candidates {
		s.item.LastAccess = now
		out[i] = *s.item
	}
	return out, nil
}

// CleanupExpired removes items past their own TTL or the global MaxAge.
// Returns the number removed.
func (m *BoundedMemory) CleanupExpired() int {
	now := m.clock.Now()
	var expired []MemoryItem

	m.mu.Lock()
	for _, c := range memoryClasses {
		bucket := m.classes[c]
		kept := bucket[:0]
		for _, it := range bucket {
			if m.isExpired(it, now) {
				expired = append(expired, *it)
			} else {
				kept = append(kept, it)
			}
		}
		m.classes[c] = kept
	}
	m.mu.Unlock()

	for _, it := range expired {
		m.notifyEvict(it, EvictExpired)
	}
	return len(expired)
}

func (m *BoundedMemory) isExpired(it *MemoryItem, now time.Time) bool {
	if it.TTL > 0 && now.After(it.CreatedAt.Add(it.TTL)) {
		return true
	}
	if m.cfg.MaxAge > 0 && now.After(it.CreatedAt.Add(m.cfg.MaxAge)) {
		return true
	}
	return false
}

// HandlePressure shrinks every class by 10% when the total fill ratio
// has reached the pressure threshold. Returns the number evicted.
func (m *BoundedMemory) HandlePressure() int {
	var evicted []MemoryItem

	m.mu.Lock()
	total, capTotal := 0, 0
	for _, c := range memoryClasses {
		total += len(m.classes[c])
		capTotal += m.cfg.capFor(c)
	}
	if capTotal == 0 || float64(total)/float64(capTotal) < m.cfg.PressureThreshold {
		m.mu.Unlock()
		return 0
	}
	for _, c := range memoryClasses {
		bucket := m.classes[c]
		drop := len(bucket) / 10
		for range drop {
			i := lowestValueIndex(bucket)
			evicted = append(evicted, *bucket[i])
			bucket = append(bucket[:i], bucket[i+1:]...)
		}
		m.classes[c] = bucket
	}
	m.mu.Unlock()

	for _, it := range evicted {
		m.notifyEvict(it, EvictPressure)
	}
	return len(evicted)
}

// Count returns the number of items in one class.
func (m *BoundedMemory) Count(class MemoryClass) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.classes[class])
}

// Total returns the item count across all classes.
func (m *BoundedMemory) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range memoryClasses {
		n += len(m.classes[c])
	}
	return n
}

// memorySnapshotVersion is bumped on any incompatible change to the
// snapshot document shape.
const memorySnapshotVersion = 1

// MemorySnapshot is the persisted form of a store.
type MemorySnapshot struct {
	Version int          `json:"version"`
	TakenAt time.Time    `json:"taken_at"`
	Items   []MemoryItem `json:"items"`
}

// Snapshot captures the full store for persistence.
func (m *BoundedMemory) Snapshot() MemorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MemorySnapshot{Version: memorySnapshotVersion, TakenAt: m.clock.Now()}
	for _, c := range memoryClasses {
		for _, it := range m.classes[c] {
			snap.Items = append(snap.Items, *it)
		}
	}
	return snap
}

// Restore replaces the store's contents from a snapshot. An unknown
// schema version is refused. Items over a class cap are dropped lowest
// value first.
func (m *BoundedMemory) Restore(snap MemorySnapshot) error {
	if snap.Version != memorySnapshotVersion {
		return newError(KindInvalidRequest, "memory", "unsupported snapshot version %d", snap.Version)
	}
	classes := make(map[MemoryClass][]*MemoryItem, len(memoryClasses))
	for i := range snap.Items {
		it := snap.Items[i]
		if !validClass(it.Class) {
			return newError(KindInvalidRequest, "memory", "snapshot item %s has unknown class %q", it.ID, it.Class)
		}
		it.Importance = clamp01(it.Importance)
		classes[it.Class] = append(classes[it.Class], &it)
	}
	for _, c := range memoryClasses {
		bucket := classes[c]
		for len(bucket) > m.cfg.capFor(c) {
			i := lowestValueIndex(bucket)
			bucket = append(bucket[:i], bucket[i+1:]...)
		}
		classes[c] = bucket
	}

	m.mu.Lock()
	m.classes = classes
	m.mu.Unlock()
	return nil
}

func (m *BoundedMemory) notifyEvict(item MemoryItem, reason EvictReason) {
	m.logger.Debug("memory evict", "id", item.ID, "class", string(item.Class), "reason", string(reason))
	if m.onEvict != nil {
		m.onEvict(item, reason)
	}
}

// lowestValueIndex picks the eviction victim: lowest importance, ties
// broken by oldest last access.
func lowestValueIndex(bucket []*MemoryItem) int {
	best := 0
	for i := 1; i < len(bucket); i++ {
		a, b := bucket[i], bucket[best]
		if a.Importance < b.Importance ||
			(a.Importance == b.Importance && a.LastAccess.Before(b.LastAccess)) {
			best = i
		}
	}
	return best
}

func validClass(c MemoryClass) bool {
	switch c {
	case MemoryShort, MemoryLong, MemoryEpisodic, MemorySemantic:
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// similarity scores an item against the query: cosine similarity when
// both sides have embeddings, keyword overlap otherwise.
func similarity(query string, queryVec []float32, it *MemoryItem) float64 {
	if queryVec != nil && it.Embedding != nil {
		return (cosine(queryVec, it.Embedding) + 1) / 2
	}
	return keywordOverlap(query, it.Content)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// keywordOverlap is the fallback score: the fraction of query words
// found in the content, case-insensitive.
func keywordOverlap(query, content string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	lc := strings.ToLower(content)
	hits := 0
	for _, w := range words {
		if strings.Contains(lc, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

// recency maps age since last access to (0,1], newer is higher.
func recency(now, lastAccess time.Time) float64 {
	age := now.Sub(lastAccess)
	if age <= 0 {
		return 1
	}
	return 1 / (1 + age.Hours())
}
