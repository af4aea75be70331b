package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher records every lookup and answers via the respond func, or with
// a fixed candidate list when none is set.
type stubFetcher struct {
	mu      sync.Mutex
	calls   []Request
	respond func(req Request) ([]string, error)
}

func (f *stubFetcher) Fetch(_ context.Context, req Request) ([]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.respond
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return []string{"v1", "v2"}, nil
}

func (f *stubFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *stubFetcher) forField(field string) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, c := range f.calls {
		if c.Field == field {
			out = append(out, c)
		}
	}
	return out
}

// recordSink collects published events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordSink) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordSink) byType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestSession(t *testing.T, f ValueFetcher, sink EventSink) *Session {
	t.Helper()
	s := NewSession(SessionConfig{ID: "test", Dashboard: "dash", Fetcher: f, Sink: sink})
	t.Cleanup(s.Close)
	return s
}

func TestSession_CascadeCompleteness(t *testing.T) {
	for _, depth := range []int{1, 2, 3, 5, 8} {
		t.Run(fmt.Sprintf("chain depth %d", depth), func(t *testing.T) {
			f := &stubFetcher{}
			s := newTestSession(t, f, nil)

			require.NoError(t, s.AddVariable(globalVar("v0")))
			for i := 1; i <= depth; i++ {
				require.NoError(t, s.AddVariable(globalVar(fmt.Sprintf("v%d", i), fmt.Sprintf("v%d", i-1))))
			}
			// give every variable a value so gating is satisfied down the chain
			for i := 0; i <= depth; i++ {
				require.NoError(t, s.SetValue(context.Background(), gkey(fmt.Sprintf("v%d", i)), []string{"v1"}))
				s.Wait()
			}

			before := f.count()
			require.NoError(t, s.SetValue(context.Background(), gkey("v0"), []string{"v2"}))
			s.Wait()

			assert.Equal(t, depth, f.count()-before, "one fetch per dependent, no level skipped")
		})
	}
}

func TestSession_CascadeUsesUpdatedParentValue(t *testing.T) {
	f := &stubFetcher{respond: func(req Request) ([]string, error) {
		if req.Field == "ns_field" {
			return []string{"default", "ingress"}, nil
		}
		return []string{req.Filters[0].Value + "-ctr1", req.Filters[0].Value + "-ctr2"}, nil
	}}
	s := newTestSession(t, f, nil)

	ns := &Variable{Name: "ns", Scope: GlobalScope(), Stream: "k8s_logs", Field: "ns_field"}
	ctr := &Variable{Name: "ctr", Scope: GlobalScope(), Stream: "k8s_logs", Field: "ctr_field",
		Parents: []Parent{{Name: "ns", Field: "kubernetes_namespace_name"}}}
	require.NoError(t, s.AddVariable(ns))
	require.NoError(t, s.AddVariable(ctr))

	s.InitialLoad(context.Background())
	s.Wait()

	// select the second candidate of the parent: exactly one dependent fetch,
	// carrying the new value in its filter
	before := len(f.forField("ctr_field"))
	require.NoError(t, s.SetValue(context.Background(), gkey("ns"), []string{"ingress"}))
	s.Wait()

	calls := f.forField("ctr_field")
	require.Len(t, calls, before+1)
	last := calls[len(calls)-1]
	require.Len(t, last.Filters, 1)
	assert.Equal(t, Filter{Field: "kubernetes_namespace_name", Operator: "=", Value: "ingress"}, last.Filters[0])

	st, ok := s.State(gkey("ctr"))
	require.True(t, ok)
	assert.Equal(t, []string{"ingress-ctr1", "ingress-ctr2"}, st.Candidates)
}

func TestSession_MultiParentGating(t *testing.T) {
	f := &stubFetcher{}
	s := newTestSession(t, f, nil)

	require.NoError(t, s.AddVariable(globalVar("a")))
	require.NoError(t, s.AddVariable(globalVar("b")))
	require.NoError(t, s.AddVariable(globalVar("c", "a", "b")))

	t.Run("no fetch while one parent unset", func(t *testing.T) {
		require.NoError(t, s.SetValue(context.Background(), gkey("a"), []string{"v1"}))
		s.Wait()
		assert.Empty(t, f.forField("c_field"))
	})

	t.Run("fetches once both parents set", func(t *testing.T) {
		require.NoError(t, s.SetValue(context.Background(), gkey("b"), []string{"v2"}))
		s.Wait()
		calls := f.forField("c_field")
		require.Len(t, calls, 1)
		assert.Len(t, calls[0].Filters, 2, "filters from both parents")
	})

	t.Run("refetches on every later parent change", func(t *testing.T) {
		require.NoError(t, s.SetValue(context.Background(), gkey("a"), []string{"v2"}))
		s.Wait()
		require.NoError(t, s.SetValue(context.Background(), gkey("b"), []string{"v1"}))
		s.Wait()
		assert.Len(t, f.forField("c_field"), 3)
	})
}

func TestSession_FetchErrorIsolation(t *testing.T) {
	f := &stubFetcher{respond: func(req Request) ([]string, error) {
		if req.Field == "bad_field" {
			return nil, errors.New("upstream 500")
		}
		return []string{"v1"}, nil
	}}
	sink := &recordSink{}
	var failures []Key
	var failMu sync.Mutex
	s := NewSession(SessionConfig{ID: "test", Fetcher: f, Sink: sink, OnFetchFailure: func(key Key, _ error) {
		failMu.Lock()
		failures = append(failures, key)
		failMu.Unlock()
	}})
	defer s.Close()

	require.NoError(t, s.AddVariable(globalVar("root")))
	require.NoError(t, s.AddVariable(&Variable{Name: "bad", Scope: GlobalScope(), Stream: "st", Field: "bad_field",
		Parents: []Parent{{Name: "root", Field: "root_field"}}}))
	require.NoError(t, s.AddVariable(globalVar("good", "root")))

	require.NoError(t, s.SetValue(context.Background(), gkey("root"), []string{"v1"}))
	s.Wait()

	t.Run("failed variable carries the error", func(t *testing.T) {
		st, ok := s.State(gkey("bad"))
		require.True(t, ok)
		assert.Equal(t, "upstream 500", st.FetchErr)
		assert.Empty(t, st.Candidates)
	})

	t.Run("sibling is unaffected", func(t *testing.T) {
		st, ok := s.State(gkey("good"))
		require.True(t, ok)
		assert.Empty(t, st.FetchErr)
		assert.Equal(t, []string{"v1"}, st.Candidates)
	})

	t.Run("error event published and failure hook invoked", func(t *testing.T) {
		evs := sink.byType(EventFetchError)
		require.Len(t, evs, 1)
		assert.Equal(t, "bad", evs[0].Key)
		failMu.Lock()
		defer failMu.Unlock()
		assert.Equal(t, []Key{gkey("bad")}, failures)
	})

	t.Run("error clears on next successful fetch", func(t *testing.T) {
		f.mu.Lock()
		f.respond = nil
		f.mu.Unlock()
		require.NoError(t, s.SetValue(context.Background(), gkey("root"), []string{"v2"}))
		s.Wait()
		st, _ := s.State(gkey("bad"))
		assert.Empty(t, st.FetchErr)
	})
}

func TestSession_StaleFetchDiscarded(t *testing.T) {
	release := make(chan struct{})
	f := &stubFetcher{}
	f.respond = func(req Request) ([]string, error) {
		if len(req.Filters) > 0 && req.Filters[0].Value == "old" {
			<-release // hold the first dependent fetch in flight
			return []string{"stale-1", "stale-2"}, nil
		}
		return []string{"fresh-1"}, nil
	}
	s := newTestSession(t, f, nil)

	require.NoError(t, s.AddVariable(globalVar("p")))
	require.NoError(t, s.AddVariable(globalVar("child", "p")))

	require.NoError(t, s.SetValue(context.Background(), gkey("p"), []string{"old"}))

	// wait for the stale dependent fetch to be dispatched before superseding it
	require.Eventually(t, func() bool { return len(f.forField("child_field")) == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, s.SetValue(context.Background(), gkey("p"), []string{"new"}))
	require.Eventually(t, func() bool { return len(f.forField("child_field")) == 2 },
		time.Second, 5*time.Millisecond)

	close(release)
	s.Wait()

	// last-write-wins by dispatch order: the stale response arrived after the
	// fresh one was applied and must be discarded
	st, ok := s.State(gkey("child"))
	require.True(t, ok)
	assert.Equal(t, []string{"fresh-1"}, st.Candidates)
}

func TestSession_ClearedValueCascades(t *testing.T) {
	f := &stubFetcher{respond: func(req Request) ([]string, error) {
		if req.Field != "b_field" {
			return []string{"v1", "v2"}, nil
		}
		// b's candidates depend on a's value; only a=v1 offers "keep"
		if len(req.Filters) > 0 && req.Filters[0].Value == "v1" {
			return []string{"keep"}, nil
		}
		return []string{"other"}, nil
	}}
	s := newTestSession(t, f, nil)

	require.NoError(t, s.AddVariable(globalVar("a")))
	require.NoError(t, s.AddVariable(globalVar("b", "a")))
	require.NoError(t, s.AddVariable(globalVar("c", "b")))

	require.NoError(t, s.SetValue(context.Background(), gkey("a"), []string{"v1"}))
	s.Wait()
	require.NoError(t, s.SetValue(context.Background(), gkey("b"), []string{"keep"}))
	s.Wait()
	require.NoError(t, s.SetValue(context.Background(), gkey("c"), []string{"v1"}))
	s.Wait()

	// a=v2 removes "keep" from b's candidates: b's selection clears, and c,
	// now missing a parent value, clears too instead of keeping stale data
	require.NoError(t, s.SetValue(context.Background(), gkey("a"), []string{"v2"}))
	s.Wait()

	bst, _ := s.State(gkey("b"))
	assert.Empty(t, bst.Current, "selection gone from candidates must clear")
	assert.Equal(t, []string{"other"}, bst.Candidates)

	cst, _ := s.State(gkey("c"))
	assert.Empty(t, cst.Current)
	assert.Empty(t, cst.Candidates)
}

func TestSession_DefaultValueSelection(t *testing.T) {
	f := &stubFetcher{}
	s := newTestSession(t, f, nil)

	v := globalVar("a")
	v.DefaultValue = "v2"
	require.NoError(t, s.AddVariable(v))

	s.InitialLoad(context.Background())
	s.Wait()

	st, _ := s.State(gkey("a"))
	assert.Equal(t, []string{"v2"}, st.Current, "default applies when nothing selected")
}

func TestSession_URLValuePreselected(t *testing.T) {
	f := &stubFetcher{}
	sink := &recordSink{}
	s := newTestSession(t, f, sink)

	v := globalVar("a")
	v.DefaultValue = "v1"
	require.NoError(t, s.AddVariable(v))

	s.ApplyURLValues(map[Key][]string{gkey("a"): {"v2"}})
	s.InitialLoad(context.Background())
	s.Wait()

	st, _ := s.State(gkey("a"))
	assert.Equal(t, []string{"v2"}, st.Current, "URL value wins over default")
	assert.Equal(t, 1, f.count(), "no extra fetch-then-override cycle")

	// the selection never flashed through the default
	for _, ev := range sink.byType(EventValue) {
		assert.NotEqual(t, []string{"v1"}, ev.Values)
	}
}

func TestSession_URLPinPolicy(t *testing.T) {
	t.Run("pinned value survives missing candidate", func(t *testing.T) {
		f := &stubFetcher{}
		s := NewSession(SessionConfig{ID: "test", Fetcher: f, PinURLValues: true})
		defer s.Close()

		require.NoError(t, s.AddVariable(globalVar("a")))
		s.ApplyURLValues(map[Key][]string{gkey("a"): {"not-a-candidate"}})
		s.InitialLoad(context.Background())
		s.Wait()

		st, _ := s.State(gkey("a"))
		assert.Equal(t, []string{"not-a-candidate"}, st.Current)
	})

	t.Run("unpinned value is normalized away", func(t *testing.T) {
		f := &stubFetcher{}
		s := NewSession(SessionConfig{ID: "test", Fetcher: f, PinURLValues: false})
		defer s.Close()

		require.NoError(t, s.AddVariable(globalVar("a")))
		s.ApplyURLValues(map[Key][]string{gkey("a"): {"not-a-candidate"}})
		s.InitialLoad(context.Background())
		s.Wait()

		st, _ := s.State(gkey("a"))
		assert.Empty(t, st.Current)
	})

	t.Run("explicit user change unpins", func(t *testing.T) {
		f := &stubFetcher{}
		s := NewSession(SessionConfig{ID: "test", Fetcher: f, PinURLValues: true})
		defer s.Close()

		require.NoError(t, s.AddVariable(globalVar("a")))
		s.ApplyURLValues(map[Key][]string{gkey("a"): {"not-a-candidate"}})
		require.NoError(t, s.SetValue(context.Background(), gkey("a"), []string{"v1"}))
		s.Wait()

		st, _ := s.State(gkey("a"))
		assert.Equal(t, []string{"v1"}, st.Current)
	})
}

func TestSession_ConcurrentSiblings(t *testing.T) {
	var inflight, peak int32
	var mu sync.Mutex
	f := FetcherFunc(func(_ context.Context, req Request) ([]string, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return []string{"v1"}, nil
	})
	s := newTestSession(t, f, nil)

	require.NoError(t, s.AddVariable(globalVar("root")))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AddVariable(globalVar(fmt.Sprintf("sib%d", i), "root")))
	}

	require.NoError(t, s.SetValue(context.Background(), gkey("root"), []string{"v1"}))
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, int32(1), "independent siblings fetch in parallel")
}
