package cache

import "time"

// Clock 时间源。缓存的过期判定全部经由它，测试中注入假时钟。
type Clock interface {
	Now() time.Time
}

// SystemClock 真实系统时钟。
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
