package skifflib

import (
	"fmt"
	"sync"
)

var contextPool = &ContextPool{sp: sync.Pool{}, m: newPoolMetrics()}
var pendingWritePool = &PendingWritePool{sp: sync.Pool{}, m: newPoolMetrics()}

func StartPoolMetrics() {
	contextPool.m.start()
	pendingWritePool.m.start()
}

func ReleasePoolMetrics() {
	contextPool.m.release()
	pendingWritePool.m.release()
}

func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"contextPool\" = %s, \"pendingWritePool\" = %s}",
		contextPool.m.metricsString(),
		pendingWritePool.m.metricsString(),
	)
}
