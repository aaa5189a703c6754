package database

import "hash/fnv"

// Well-known advisory lock ids. These must not change between releases; a
// retired lock keeps its slot so the id is never reused.
const (
	LockIDSessionReconcile = iota + 1
	LockIDDailyRollup
)

// GenLockID derives a stable advisory lock id from a name.
func GenLockID(name string) int64 {
	hash := fnv.New64()
	_, _ = hash.Write([]byte(name))
	return int64(hash.Sum64())
}

// RollupLockID is the per-day advisory lock that serializes rollups of one date.
func RollupLockID(day string) int64 {
	return GenLockID("daily_rollup:" + day)
}
