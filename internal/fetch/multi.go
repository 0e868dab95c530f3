package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/Cgfyufsygsm/PKU-BlackBoard-Watcher/internal/domain"
)

// Multi fans out to all configured sources in parallel and merges the
// results in source order. A failing source never sinks the run: its error
// is reported alongside whatever the other sources produced.
type Multi struct {
	Sources []Source
	Timeout time.Duration
}

func (m Multi) Fetch(ctx context.Context) ([]domain.Record, []domain.SubsourceError) {
	type result struct {
		records []domain.Record
		err     error
	}
	results := make([]result, len(m.Sources))
	var wg sync.WaitGroup
	for i, src := range m.Sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			sctx := ctx
			if m.Timeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, m.Timeout)
				defer cancel()
			}
			recs, err := src.Fetch(sctx)
			results[i] = result{records: recs, err: err}
		}(i, src)
	}
	wg.Wait()

	var records []domain.Record
	var errs []domain.SubsourceError
	for i, res := range results {
		if res.err != nil {
			errs = append(errs, domain.SubsourceError{
				Source: m.Sources[i].Name(),
				Cause:  res.err.Error(),
			})
			continue
		}
		records = append(records, res.records...)
	}
	return records, errs
}
