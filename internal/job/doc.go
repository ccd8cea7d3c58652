// Package job tracks batch jobs and admits them for execution.
//
// A Registry owns every job record for the process lifetime (until pruned)
// and bounds how many jobs run at once. Jobs over the ceiling wait in a FIFO
// admission queue and start automatically as slots free up.
//
// Status transitions:
//
//	pending -> running -> completed | failed | cancelled
//	pending -> cancelled (cancel requested before admission)
//	pending -> failed    (shutdown while queued)
//
// Terminal records are frozen: every mutator is a silent no-op on them.
// Cancellation is cooperative. Cancel only raises a flag that the running
// work polls through IsCancelled; the status becomes cancelled when the work
// reports completion (or at admission if the job never started).
package job
