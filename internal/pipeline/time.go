package pipeline

import "time"

// nowFunc is the clock used for ExecutionProcess.CreatedAt. Replaced in
// tests to avoid real-clock flakiness.
var nowFunc = time.Now
