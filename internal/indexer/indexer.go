// Package indexer coordinates the store, the embedding engine and the ANN
// index: it periodically turns new message revisions into searchable
// vectors, and answers retrieval queries with candidate responses.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mimic/internal/annindex"
	"mimic/internal/embedding"
	"mimic/internal/logging"
	"mimic/internal/metrics"
	"mimic/internal/pairing"
	"mimic/internal/store"
)

// ErrExhausted is returned by ResponseStream.Next when no candidates
// remain.
var ErrExhausted = errors.New("indexer: no more candidates")

// DefaultSearchK is how many nearest prompts one retrieval query considers.
const DefaultSearchK = 100

// scanBatch bounds one pass over unprocessed messages.
const scanBatch = 500

// Manager owns the indexing pipeline.
type Manager struct {
	store    *store.Store
	index    *annindex.Index
	engine   embedding.Engine
	resolver *pairing.Resolver
	searchK  int

	// Index builds must never overlap; concurrent callers share one run.
	indexing singleflight.Group
}

func NewManager(s *store.Store, ix *annindex.Index, eng embedding.Engine, res *pairing.Resolver, searchK int) *Manager {
	if searchK <= 0 {
		searchK = DefaultSearchK
	}
	return &Manager{store: s, index: ix, engine: eng, resolver: res, searchK: searchK}
}

// IndexNewRevisions scans for messages not yet processed by indexing,
// embeds the prompt of each valid response, and commits the vectors. It
// concludes with a rebuild so the new vectors become searchable. Overlapping
// calls coalesce into a single run.
func (m *Manager) IndexNewRevisions(ctx context.Context) error {
	_, err, _ := m.indexing.Do("index", func() (interface{}, error) {
		return nil, m.runIndexPass(ctx)
	})
	return err
}

func (m *Manager) runIndexPass(ctx context.Context) error {
	runID := uuid.NewString()
	timer := logging.StartTimer(logging.CategoryIndex, "IndexNewRevisions")
	defer timer.Stop()

	logging.Index("Index run %s starting", runID)

	// Vectors inserted during this run are invisible to search until the
	// rebuild; the batch map stands in for them so duplicates within the
	// run still share an id.
	batch := make(map[string]int64)
	indexed, skipped := 0, 0

	for {
		pending, err := m.store.UnindexedMessages(ctx, scanBatch)
		if err != nil {
			return fmt.Errorf("indexer: run %s: %w", runID, err)
		}
		if len(pending) == 0 {
			break
		}

		for _, id := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := m.indexMessage(ctx, id, batch)
			if err != nil {
				return fmt.Errorf("indexer: run %s: %w", runID, err)
			}
			if ok {
				indexed++
			} else {
				skipped++
			}
		}
	}

	if err := m.index.Rebuild(); err != nil {
		return fmt.Errorf("indexer: run %s: %w", runID, err)
	}
	if err := m.index.Persist(); err != nil {
		return fmt.Errorf("indexer: run %s: %w", runID, err)
	}

	if size, err := m.index.Size(); err == nil {
		metrics.IndexSize.Set(float64(size))
	}
	metrics.IndexedRevisions.Add(float64(indexed))
	logging.Index("Index run %s finished: %d indexed, %d not indexable", runID, indexed, skipped)
	return nil
}

// indexMessage processes one message and marks it so it is never examined
// again. Returns whether a vector was committed for it.
func (m *Manager) indexMessage(ctx context.Context, id int64, batch map[string]int64) (bool, error) {
	msg, err := m.store.Message(ctx, id)
	if err != nil {
		return false, err
	}

	rev, valid, err := m.resolver.ValidResponse(ctx, msg)
	if err != nil {
		return false, err
	}
	if !valid {
		return false, m.store.RecordIndexed(ctx, id, nil, nil)
	}

	promptRev, err := m.resolver.PromptRevision(ctx, msg)
	if err == pairing.ErrNoPrompt {
		return false, m.store.RecordIndexed(ctx, id, &rev.ID, nil)
	}
	if err != nil {
		return false, err
	}

	logging.IndexDebug("Indexing message %d under prompt %q", id, promptRev.Content)
	vec, err := m.engine.Embed(ctx, promptRev.Content)
	if err != nil {
		return false, fmt.Errorf("embedding prompt of message %d: %w", id, err)
	}

	indexID, err := m.index.InsertOrReuse(vec, batch)
	if err != nil {
		return false, err
	}
	return true, m.store.RecordIndexed(ctx, id, &rev.ID, &indexID)
}

// Candidate is one possible response to a queried prompt. Distance is the
// cosine distance between the query and the stored prompt that earned the
// response, in [0, 2]. Prompt is the stored prompt revision the response
// originally answered.
type Candidate struct {
	Prompt          *store.Revision
	Response        *store.Revision
	ResponseMessage *store.Message
	Distance        float64
}

// ResponseStream yields candidates in ascending distance order. It is
// pull-based: database and pairing work happens only as candidates are
// consumed, so a caller that accepts the first gated candidate pays for
// nothing further.
type ResponseStream struct {
	m       *Manager
	ctx     context.Context
	results []annindex.Result
	queue   []*Candidate
	rng     *rand.Rand
}

// ResponsesToText embeds the prompt text and opens a candidate stream over
// the nearest indexed prompts.
func (m *Manager) ResponsesToText(ctx context.Context, text string) (*ResponseStream, error) {
	start := time.Now()
	defer func() { metrics.SearchDuration.Observe(time.Since(start).Seconds()) }()

	vec, err := m.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("indexer: embedding query: %w", err)
	}

	results, err := m.index.Search(vec, m.searchK)
	if err == annindex.ErrNoMatch {
		logging.IndexDebug("No indexed prompts near %q", text)
		results = nil
	} else if err != nil {
		return nil, fmt.Errorf("indexer: searching: %w", err)
	}

	return &ResponseStream{
		m:       m,
		ctx:     ctx,
		results: results,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Next returns the next candidate, or ErrExhausted. Candidates under the
// same vector arrive in random order so repeated identical prompts do not
// always replay the same response; across vectors, distance order holds.
func (st *ResponseStream) Next() (*Candidate, error) {
	for {
		if len(st.queue) > 0 {
			c := st.queue[0]
			st.queue = st.queue[1:]
			return c, nil
		}
		if len(st.results) == 0 {
			return nil, ErrExhausted
		}

		result := st.results[0]
		st.results = st.results[1:]

		group, err := st.m.candidatesFor(st.ctx, result)
		if err != nil {
			return nil, err
		}
		st.rng.Shuffle(len(group), func(i, j int) {
			group[i], group[j] = group[j], group[i]
		})
		st.queue = group
	}
}

// candidatesFor materializes the response group stored under one vector.
// Responses whose pairing no longer holds, for example because the prompt
// content was erased since indexing, are dropped here.
func (m *Manager) candidatesFor(ctx context.Context, result annindex.Result) ([]*Candidate, error) {
	msgs, err := m.store.MessagesByIndexID(ctx, result.ID)
	if err != nil {
		return nil, err
	}

	var group []*Candidate
	for _, msg := range msgs {
		rev, valid, err := m.resolver.ValidResponse(ctx, msg)
		if err != nil {
			return nil, err
		}
		if !valid {
			continue
		}
		promptRev, err := m.resolver.PromptRevision(ctx, msg)
		if err == pairing.ErrNoPrompt {
			continue
		}
		if err != nil {
			return nil, err
		}
		group = append(group, &Candidate{
			Prompt:          promptRev,
			Response:        rev,
			ResponseMessage: msg,
			Distance:        result.Distance,
		})
	}
	return group, nil
}
