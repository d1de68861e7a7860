package cache

import (
	"fmt"

	logx "codemarshal/pkg/logx"
)

// DefaultSizeEstimate is charged for values that cannot report their size.
const DefaultSizeEstimate int64 = 1024

// Sizer is implemented by values that know their approximate in-memory size.
type Sizer interface {
	SizeBytes() int64
}

// estimateSize never fails: a misbehaving Sizer falls back to the default.
func (c *Cache[V]) estimateSize(v V) (size int64) {
	def := c.defaultSize
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("size estimation panicked; using default",
				logx.String("panic", fmt.Sprint(r)),
				logx.Int64("default", def),
			)
			size = def
		}
	}()

	switch x := any(v).(type) {
	case nil:
		return def
	case Sizer:
		if n := x.SizeBytes(); n >= 0 {
			return n
		}
		return def
	case []byte:
		return int64(len(x))
	case string:
		return int64(len(x))
	default:
		return def
	}
}
