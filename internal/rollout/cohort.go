package rollout

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refguard/internal/model"
)

// CohortValue maps an identity to a stable bucket in [0, 1): the first 32
// bits of its SHA-256 digest divided by 2^32.
func CohortValue(identity string) (value float64, hash string) {
	sum := sha256.Sum256([]byte(identity))
	return float64(binary.BigEndian.Uint32(sum[:4])) / (1 << 32), hex.EncodeToString(sum[:4])
}

// Cohort returns the identity's persisted bucket, assigning it on first use.
// Concurrent first assignments compute the same value, so the store keeps
// whichever row lands first.
func (c *Controller) Cohort(ctx context.Context, identity string) (float64, error) {
	if v, ok := c.cohorts.Load(identity); ok {
		return v.(float64), nil
	}

	stored, err := c.store.GetCohort(ctx, identity)
	if err != nil {
		return 0, eris.Wrapf(err, "rollout: get cohort for %s", identity)
	}
	if stored == nil {
		value, hash := CohortValue(identity)
		stored, err = c.store.InsertCohort(ctx, &model.Cohort{
			Identity:  identity,
			Hash:      hash,
			Value:     value,
			CreatedAt: c.now().UTC(),
		})
		if err != nil {
			return 0, eris.Wrapf(err, "rollout: assign cohort for %s", identity)
		}
	}

	c.cohorts.Store(identity, stored.Value)
	return stored.Value, nil
}

func nowOr(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
