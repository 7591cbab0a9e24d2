// Package oplogtest holds behaviour tests shared by every operation log
// backend.
package oplogtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/chirino/memory-sync/internal/model"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a backend. newLog must return an empty log.
func Run(t *testing.T, newLog func(t *testing.T) registryoplog.Log) {
	t.Run("AppendAssignsIncreasingSequence", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		var last int64
		for i := 0; i < 5; i++ {
			rec, err := l.Append(ctx, record(i))
			require.NoError(t, err)
			assert.Greater(t, rec.SequenceNo, last)
			assert.Equal(t, int64(1), rec.Segment)
			last = rec.SequenceNo
		}
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	})

	t.Run("ReadAfterAndLimit", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		var seqs []int64
		for i := 0; i < 6; i++ {
			rec, err := l.Append(ctx, record(i))
			require.NoError(t, err)
			seqs = append(seqs, rec.SequenceNo)
		}
		all, err := l.Read(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 6)
		assert.Equal(t, "mem-3", all[3].DocumentID)
		assert.JSONEq(t, `{"n":3}`, string(all[3].Operation))
		assert.Equal(t, model.ComponentField, all[0].Component)

		page, err := l.Read(ctx, seqs[1], 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, seqs[2], page[0].SequenceNo)
		assert.Equal(t, seqs[3], page[1].SequenceNo)
	})

	t.Run("CompactKeepsTailAndBaseline", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		var seqs []int64
		for i := 0; i < 4; i++ {
			rec, err := l.Append(ctx, record(i))
			require.NoError(t, err)
			seqs = append(seqs, rec.SequenceNo)
		}
		base, err := l.Baseline(ctx)
		require.NoError(t, err)
		assert.Nil(t, base)

		require.NoError(t, l.Compact(ctx, model.Snapshot{SequenceNo: seqs[1], State: json.RawMessage(`{"folded":2}`)}))

		base, err = l.Baseline(ctx)
		require.NoError(t, err)
		require.NotNil(t, base)
		assert.Equal(t, seqs[1], base.SequenceNo)
		assert.Equal(t, int64(1), base.Segment)
		assert.JSONEq(t, `{"folded":2}`, string(base.State))

		rest, err := l.Read(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, seqs[2], rest[0].SequenceNo)

		next, err := l.Append(ctx, record(9))
		require.NoError(t, err)
		assert.Greater(t, next.SequenceNo, seqs[3])
		assert.Equal(t, int64(2), next.Segment)
	})

	t.Run("SequenceSurvivesFullCompaction", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		var last model.OpLogRecord
		for i := 0; i < 3; i++ {
			var err error
			last, err = l.Append(ctx, record(i))
			require.NoError(t, err)
		}
		require.NoError(t, l.Compact(ctx, model.Snapshot{SequenceNo: last.SequenceNo, State: json.RawMessage(`{}`)}))
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		rec, err := l.Append(ctx, record(3))
		require.NoError(t, err)
		assert.Greater(t, rec.SequenceNo, last.SequenceNo)
	})

	t.Run("CompactRejectsStaleOrFutureSnapshots", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		var seqs []int64
		for i := 0; i < 3; i++ {
			rec, err := l.Append(ctx, record(i))
			require.NoError(t, err)
			seqs = append(seqs, rec.SequenceNo)
		}
		err := l.Compact(ctx, model.Snapshot{SequenceNo: seqs[2] + 100, State: json.RawMessage(`{}`)})
		assert.True(t, model.IsValidation(err), "got %v", err)

		require.NoError(t, l.Compact(ctx, model.Snapshot{SequenceNo: seqs[1], State: json.RawMessage(`{}`)}))
		err = l.Compact(ctx, model.Snapshot{SequenceNo: seqs[0], State: json.RawMessage(`{}`)})
		assert.True(t, model.IsValidation(err), "got %v", err)
	})

	t.Run("ConcurrentAppendsAreDistinct", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = map[int64]bool{}
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec, err := l.Append(ctx, record(i))
				assert.NoError(t, err)
				mu.Lock()
				seen[rec.SequenceNo] = true
				mu.Unlock()
			}(i)
		}
		wg.Wait()
		assert.Len(t, seen, 20)
	})
}

func record(i int) model.OpLogRecord {
	return model.OpLogRecord{
		Component:  model.ComponentField,
		DocumentID: fmt.Sprintf("mem-%d", i),
		Operation:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
	}
}
