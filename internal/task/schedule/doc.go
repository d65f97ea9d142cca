// Package schedule resolves recurrence rules to fixed periods and computes
// which logical run timestamps are due.
//
// The calculator is pure: it never reads the wall clock and keeps no state,
// so calling DueRuns again with the same watermark and now yields the same
// sequence.
package schedule
