// Package engine runs registered jobs on their schedules.
//
// Each job has a single-flight guard: a firing that arrives while the job is
// still running is skipped and never counts as a failure. Executions are bounded
// by a timeout, failures and timeouts build a consecutive streak, and a job whose
// streak reaches MaxRetries is disabled until Enable is called. The last
// HistoryLimit executions of every job are kept in memory.
//
// Timeouts are advisory. Work receives a context that is canceled at the
// deadline, but the engine does not wait for it to return.
package engine
