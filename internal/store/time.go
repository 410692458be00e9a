package store

import "time"

// nowFunc is the clock used for CompletedAt stamps. Replaced in tests.
var nowFunc = time.Now
