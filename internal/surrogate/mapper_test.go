package surrogate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/rules"
)

func newTestMapper(t testing.TB, store OffsetStore) *Mapper {
	t.Helper()
	m, err := NewMapper(Config{MasterKey: []byte("test-master-key"), Store: store}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMapper() error = %v", err)
	}
	return m
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"O'Brien", "obrien"},
		{"OBrien", "obrien"},
		{"  Jane   Doe ", "jane doe"},
		{"JANE\tDOE", "jane doe"},
		{"MRN-123.45", "mrn12345"},
		{"Straße", "strasse"},
		{"ＡＢＣ", "abc"}, // full-width
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Canonicalize(tt.in); got != tt.want {
				t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSurrogateForStable(t *testing.T) {
	m := newTestMapper(t, nil)

	a, err := m.SurrogateFor("run-1", rules.EntityName, "Jane Doe")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.SurrogateFor("run-1", rules.EntityName, "  JANE doe")
	if a != b {
		t.Errorf("canonically equal values should share a token: %q vs %q", a, b)
	}
	if len(a) != DefaultTokenLength {
		t.Errorf("expected token length %d, got %d", DefaultTokenLength, len(a))
	}

	other, _ := m.SurrogateFor("run-2", rules.EntityName, "Jane Doe")
	if other == a {
		t.Error("tokens must differ across scopes")
	}
	typed, _ := m.SurrogateFor("run-1", rules.EntityOther, "Jane Doe")
	if typed == a {
		t.Error("tokens must differ across entity types")
	}
	if m.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", m.Len())
	}
}

func TestSurrogateForDeterministicAcrossMappers(t *testing.T) {
	a := newTestMapper(t, nil)
	b := newTestMapper(t, nil)
	ta, _ := a.SurrogateFor("s", rules.EntityMRN, "MRN123")
	tb, _ := b.SurrogateFor("s", rules.EntityMRN, "MRN123")
	if ta != tb {
		t.Errorf("same master key and scope should reproduce tokens: %q vs %q", ta, tb)
	}
}

func TestSurrogateForNoCollisions(t *testing.T) {
	m := newTestMapper(t, nil)
	seen := make(map[string]string, 10000)
	for i := 0; i < 10000; i++ {
		v := fmt.Sprintf("patient %d", i)
		tok, err := m.SurrogateFor("bulk", rules.EntityName, v)
		if err != nil {
			t.Fatal(err)
		}
		if prev, dup := seen[tok]; dup {
			t.Fatalf("collision between %q and %q", prev, v)
		}
		seen[tok] = v
	}
}

func TestSurrogateForConcurrent(t *testing.T) {
	m := newTestMapper(t, nil)
	const workers = 32
	results := make([]string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = m.SurrogateFor("scope", rules.EntityName, "Jane Doe")
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r != results[0] {
			t.Fatalf("concurrent callers minted different tokens: %q vs %q", r, results[0])
		}
	}
	if m.Len() != 1 {
		t.Errorf("expected one entry, got %d", m.Len())
	}
}

func TestEmptyScope(t *testing.T) {
	m := newTestMapper(t, nil)
	if _, err := m.SurrogateFor("", rules.EntityName, "x"); !errors.Is(err, ErrEmptyScope) {
		t.Errorf("expected ErrEmptyScope, got %v", err)
	}
	if _, err := m.OffsetFor(context.Background(), "", "subj", 10); !errors.Is(err, ErrEmptyScope) {
		t.Errorf("expected ErrEmptyScope, got %v", err)
	}
}

func TestOffsetFor(t *testing.T) {
	m := newTestMapper(t, nil)
	ctx := context.Background()

	first, err := m.OffsetFor(ctx, "scope", "MRN123", 30)
	if err != nil {
		t.Fatal(err)
	}
	if first == 0 || first < -30 || first > 30 {
		t.Errorf("offset %d outside ±30 or zero", first)
	}
	for i := 0; i < 20; i++ {
		again, _ := m.OffsetFor(ctx, "scope", "MRN123", 30)
		if again != first {
			t.Fatalf("offset changed within scope: %d then %d", first, again)
		}
	}

	if _, err := m.OffsetFor(ctx, "scope", "MRN123", 0); err == nil {
		t.Error("expected error for non-positive max days")
	}
}

func TestRandomOffsetRange(t *testing.T) {
	for i := 0; i < 2000; i++ {
		v, err := randomOffset(1)
		if err != nil {
			t.Fatal(err)
		}
		if v != -1 && v != 1 {
			t.Fatalf("randomOffset(1) = %d", v)
		}
	}
}

type fakeStore struct {
	mu     sync.Mutex
	values map[string]int
	calls  int
	err    error
}

func (f *fakeStore) ClaimOffset(_ context.Context, scope, subject string, candidate int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	k := scope + "/" + subject
	if v, ok := f.values[k]; ok {
		return v, nil
	}
	f.values[k] = candidate
	return candidate, nil
}

func TestOffsetForUsesStore(t *testing.T) {
	store := &fakeStore{values: make(map[string]int)}
	a := newTestMapper(t, store)
	b := newTestMapper(t, store)
	ctx := context.Background()

	oa, err := a.OffsetFor(ctx, "scope", "subject-1", 365)
	if err != nil {
		t.Fatal(err)
	}
	ob, err := b.OffsetFor(ctx, "scope", "subject-1", 365)
	if err != nil {
		t.Fatal(err)
	}
	if oa != ob {
		t.Errorf("processes sharing a store should agree: %d vs %d", oa, ob)
	}

	for k := range store.values {
		if len(k) < 64 || strings.Contains(k, "subject-1") {
			t.Errorf("store key should carry a digest, got %q", k)
		}
	}

	calls := store.calls
	_, _ = a.OffsetFor(ctx, "scope", "subject-1", 365)
	if store.calls != calls {
		t.Error("cached offsets should not hit the store")
	}
}

func TestOffsetForStoreError(t *testing.T) {
	m := newTestMapper(t, &fakeStore{values: map[string]int{}, err: errors.New("down")})
	if _, err := m.OffsetFor(context.Background(), "s", "x", 10); err == nil {
		t.Error("expected store error to surface")
	}
}

func TestDiscard(t *testing.T) {
	m := newTestMapper(t, nil)
	_, _ = m.SurrogateFor("a", rules.EntityName, "one")
	_, _ = m.SurrogateFor("a", rules.EntityName, "two")
	_, _ = m.SurrogateFor("b", rules.EntityName, "one")

	m.Discard("a")
	if m.Len() != 1 {
		t.Errorf("expected 1 remaining entry, got %d", m.Len())
	}
}

func TestNewMapperValidation(t *testing.T) {
	if _, err := NewMapper(Config{TokenLength: 8}, zap.NewNop()); err == nil {
		t.Error("expected error for short tokens")
	}
	m, err := NewMapper(Config{}, nil)
	if err != nil {
		t.Fatalf("ephemeral key mapper: %v", err)
	}
	if len(m.masterKey) != 32 {
		t.Errorf("expected 32-byte ephemeral key, got %d", len(m.masterKey))
	}
}

func BenchmarkSurrogateFor(b *testing.B) {
	m := newTestMapper(b, nil)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.SurrogateFor("bench", rules.EntityName, fmt.Sprintf("name-%d", i%1024))
			i++
		}
	})
}
