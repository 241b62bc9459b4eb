package consolidate

import (
	"context"
	"time"

	"github.com/commontrace/engine/internal/decay"
)

// flagThreshold is the trust floor below which a trace is flagged for
// review, independent of its temperature classification (§4.2.c).
const flagThreshold = -2.0

// temperatureReclassify recomputes every trace's memory temperature from
// its current retrieval recency and trust score, persisting only the
// traces whose classification actually changed (and setting is_stale on any
// newly-FROZEN trace), then separately flags any trace whose trust_score
// has fallen below flagThreshold.
func (c *Consolidator) temperatureReclassify(ctx context.Context) (map[string]any, error) {
	traces, err := c.store.AllTraces(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	changed := 0
	flagged := 0
	for _, t := range traces {
		next := decay.ClassifyTemperature(decay.ClassifyParams{
			Now:             now,
			CreatedAt:       t.CreatedAt,
			LastRetrievedAt: t.LastRetrievedAt,
			RetrievalCount:  t.RetrievalCount,
			TrustScore:      t.TrustScore,
		})
		if t.MemoryTemperature == nil || *t.MemoryTemperature != next {
			if err := c.store.SetTemperature(ctx, t.ID, next); err != nil {
				return nil, err
			}
			changed++
		}

		if t.TrustScore < flagThreshold && !t.IsFlagged {
			if err := c.store.FlagTrace(ctx, t.ID, now); err != nil {
				return nil, err
			}
			flagged++
		}
	}
	return map[string]any{"traces_reclassified": changed, "traces_scanned": len(traces), "traces_flagged": flagged}, nil
}
