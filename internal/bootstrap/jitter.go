package bootstrap

import (
	"math/rand"
	"time"
)

// jitterWindow is the upper bound (exclusive) of the startup jitter delay.
const jitterWindow = 10 * time.Second

// jitterDelay returns a uniform random delay in [0, 10)s when peers exist,
// to desynchronize concurrent bootstraps (spec §4.6 step 2). With no known
// peers there is nothing to desynchronize against, so the delay is zero.
func jitterDelay(hasPeers bool) time.Duration {
	if !hasPeers {
		return 0
	}
	return time.Duration(rand.Int63n(int64(jitterWindow)))
}
