package ksync

import "time"

// zeroDeadline signals "wait indefinitely" to WaitQueue.Wait.
var zeroDeadline time.Time
