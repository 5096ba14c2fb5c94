package token

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue_Registration(t *testing.T) {
	issuer := NewIssuer()

	tok := issuer.Issue("sess-1", false)
	require.NotEmpty(t, tok)

	reg, ok := issuer.Resolve(tok)
	require.True(t, ok)
	assert.Equal(t, "sess-1", reg.SessionID)
	assert.False(t, reg.IsCritical)
	assert.False(t, reg.IssuedAt.IsZero())
}

func TestIssue_CriticalFlag(t *testing.T) {
	issuer := NewIssuer()

	tok := issuer.Issue("sess-1", true)
	reg, ok := issuer.Resolve(tok)
	require.True(t, ok)
	assert.True(t, reg.IsCritical)
}

func TestResolve_Miss(t *testing.T) {
	issuer := NewIssuer()

	_, ok := issuer.Resolve("ct-never-issued")
	assert.False(t, ok)
}

func TestIssue_Uniqueness(t *testing.T) {
	issuer := NewIssuer()

	const n = 10_000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		// Alternate paths so the critical high-entropy composition is
		// exercised under rapid succession too.
		tok := issuer.Issue(fmt.Sprintf("sess-%d", i%7), i%2 == 0)
		_, dup := seen[tok]
		require.False(t, dup, "duplicate token at iteration %d: %s", i, tok)
		seen[tok] = struct{}{}
	}
	assert.Equal(t, n, issuer.Count())
}

func TestIssue_UniquenessWithFrozenClock(t *testing.T) {
	issuer := NewIssuer()
	frozen := time.Now()
	issuer.now = func() time.Time { return frozen }

	// Same timestamp for every issue: the sequence component alone must
	// keep tokens distinct.
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		tok := issuer.Issue("sess", true)
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestIssue_Concurrent(t *testing.T) {
	issuer := NewIssuer()

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	tokens := make(chan string, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tokens <- issuer.Issue("sess", w%2 == 0)
			}
		}(w)
	}
	wg.Wait()
	close(tokens)

	seen := make(map[string]struct{})
	for tok := range tokens {
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
	assert.Len(t, seen, workers*perWorker)
}
