// Package infra holds the concrete implementations of the domain contracts.
//
//   - MemoryStore / RedisStore: fixed-window counters (domain.WindowStore)
//   - ChanPool: semaphore for the concurrency limit
//   - MemoryStatsStore / RedisStatsStore / PrometheusStatsStore / MultiStats:
//     decision statistics (domain.StatsStore)
package infra
