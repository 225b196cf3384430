package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func RateLimitKey(identity string, windowStart int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", identity, windowStart)
}

func SecurityEventKey(at time.Time) string {
	return fmt.Sprintf("security:events:%s:%s", at.Format("20060102"), uuid.New())
}
