// Package maintenance runs periodic upkeep for the coordination layer.
//
// Jobs fire on a robfig/cron clock and enqueue ordinary scheduler tasks:
//
//	cache.integrity              High    Cache.VerifyIntegrity
//	cache.transient_sweep        Low     drop transient_data entries
//	scheduler.recovery_snapshot  Medium  save pending queue metadata
package maintenance
