package state

import (
	"fmt"
	"strconv"
	"time"
)

// MissRequest describes one not-found ID counted against the shared streak.
type MissRequest struct {
	ID    int64
	Limit int64
	Now   time.Time
	// Pause is how long every worker stops once the streak reaches Limit.
	Pause time.Duration
}

// MissVerdict is the result of Store.CountMiss.
type MissVerdict struct {
	// Paused means a pause was already active and nothing was counted.
	Paused bool
	// Tripped is set for exactly one miss per streak: the one that reached
	// the limit. That call already stored the pause, rewound the ID counter
	// to StreakStart-1 and reset the streak.
	Tripped      bool
	Count        int64
	StreakStart  int64
	PauseUntilMS int64
}

// countMissScript mirrors MemoryStore.CountMiss.
// KEYS: misses, streak start, pause until, last error id, next id.
// ARGV: id, limit, now ms, pause until ms.
const countMissScript = `
local raw = redis.call("GET", KEYS[3])
if raw then
	local untilMS = tonumber(raw)
	if untilMS and tonumber(ARGV[3]) < untilMS then
		return {1, 0, "0", raw}
	end
end
local count = redis.call("INCR", KEYS[1])
redis.call("SET", KEYS[2], ARGV[1], "NX")
redis.call("SET", KEYS[4], ARGV[1])
local start = redis.call("GET", KEYS[2])
if count < tonumber(ARGV[2]) then
	return {0, count, start, "0"}
end
redis.call("SET", KEYS[3], ARGV[4])
redis.call("SET", KEYS[5], start)
redis.call("DECR", KEYS[5])
redis.call("DEL", KEYS[1], KEYS[2])
return {2, count, start, ARGV[4]}
`

var countMissKeys = []string{
	KeyConsecutiveMisses,
	KeyMissStartID,
	KeyPauseUntil,
	KeyLastErrorID,
	KeyNextID,
}

func countMissArgs(req MissRequest) []any {
	nowMS := req.Now.UnixMilli()
	return []any{
		strconv.FormatInt(req.ID, 10),
		strconv.FormatInt(req.Limit, 10),
		strconv.FormatInt(nowMS, 10),
		strconv.FormatInt(nowMS+req.Pause.Milliseconds(), 10),
	}
}

// parseMissReply decodes the script reply {kind, count, start, until}.
func parseMissReply(reply []any) (MissVerdict, error) {
	if len(reply) != 4 {
		return MissVerdict{}, fmt.Errorf("state: unexpected miss reply %v", reply)
	}
	nums := make([]int64, len(reply))
	for i, v := range reply {
		switch x := v.(type) {
		case int64:
			nums[i] = x
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return MissVerdict{}, fmt.Errorf("state: miss reply field %d: %w", i, err)
			}
			nums[i] = n
		default:
			return MissVerdict{}, fmt.Errorf("state: miss reply field %d has type %T", i, v)
		}
	}
	return MissVerdict{
		Paused:       nums[0] == 1,
		Tripped:      nums[0] == 2,
		Count:        nums[1],
		StreakStart:  nums[2],
		PauseUntilMS: nums[3],
	}, nil
}
