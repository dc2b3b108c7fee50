package metrics

import (
	"sync/atomic"
)

type Metrics struct {
	reconnectAttempts int64
	emitsDropped      int64
	duplicatePushes   int64
	ignoredPushes     int64
	sendTimeouts      int64
	fallbackSends     int64

	broadcastsTotal     int64
	broadcastFailsTotal int64
	rateLimited         int64
	activeConnections   int64
}

var global = &Metrics{}

func IncrementReconnectAttempts() { atomic.AddInt64(&global.reconnectAttempts, 1) }
func IncrementEmitsDropped()      { atomic.AddInt64(&global.emitsDropped, 1) }
func IncrementDuplicatePushes()   { atomic.AddInt64(&global.duplicatePushes, 1) }
func IncrementIgnoredPushes()     { atomic.AddInt64(&global.ignoredPushes, 1) }
func IncrementSendTimeouts()      { atomic.AddInt64(&global.sendTimeouts, 1) }
func IncrementFallbackSends()     { atomic.AddInt64(&global.fallbackSends, 1) }

func IncrementBroadcasts() {
	atomic.AddInt64(&global.broadcastsTotal, 1)
}

func IncrementBroadcastFails() {
	atomic.AddInt64(&global.broadcastFailsTotal, 1)
}

func IncrementRateLimited() {
	atomic.AddInt64(&global.rateLimited, 1)
}

func SetActiveConnections(count int64) {
	atomic.StoreInt64(&global.activeConnections, count)
}

func GetReconnectAttempts() int64 { return atomic.LoadInt64(&global.reconnectAttempts) }
func GetEmitsDropped() int64      { return atomic.LoadInt64(&global.emitsDropped) }
func GetDuplicatePushes() int64   { return atomic.LoadInt64(&global.duplicatePushes) }
func GetSendTimeouts() int64      { return atomic.LoadInt64(&global.sendTimeouts) }
func GetFallbackSends() int64     { return atomic.LoadInt64(&global.fallbackSends) }

func GetBroadcasts() int64 {
	return atomic.LoadInt64(&global.broadcastsTotal)
}

func GetActiveConnections() int64 {
	return atomic.LoadInt64(&global.activeConnections)
}

func Snapshot() map[string]int64 {
	return map[string]int64{
		"reconnect_attempts":    atomic.LoadInt64(&global.reconnectAttempts),
		"emits_dropped":         atomic.LoadInt64(&global.emitsDropped),
		"duplicate_pushes":      atomic.LoadInt64(&global.duplicatePushes),
		"ignored_pushes":        atomic.LoadInt64(&global.ignoredPushes),
		"send_timeouts":         atomic.LoadInt64(&global.sendTimeouts),
		"fallback_sends":        atomic.LoadInt64(&global.fallbackSends),
		"broadcasts_total":      atomic.LoadInt64(&global.broadcastsTotal),
		"broadcast_fails_total": atomic.LoadInt64(&global.broadcastFailsTotal),
		"rate_limited_total":    atomic.LoadInt64(&global.rateLimited),
		"active_connections":    atomic.LoadInt64(&global.activeConnections),
	}
}

func Reset() {
	for _, c := range []*int64{
		&global.reconnectAttempts, &global.emitsDropped, &global.duplicatePushes,
		&global.ignoredPushes, &global.sendTimeouts, &global.fallbackSends,
		&global.broadcastsTotal, &global.broadcastFailsTotal, &global.rateLimited,
		&global.activeConnections,
	} {
		atomic.StoreInt64(c, 0)
	}
}
