// Package scheduler is a deterministic priority task queue.
//
// Tasks wait in one of four bounded FIFO queues (Immediate, High, Medium,
// Low) and run synchronously on whichever goroutine calls RunNext or RunAll.
// There is no internal worker pool: parallelism comes from running several
// consumers against one Scheduler, and each pending task is handed to
// exactly one of them.
//
// Only Pending tasks can be cancelled. A running task cannot be interrupted
// by the scheduler; it receives the consumer's context and is expected to
// honour it.
package scheduler
