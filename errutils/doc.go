package errutils

// Package errutils provides a set of utilities for working with errors in Go.

// Example:
//
// The following example demonstrates how to use `MultiError` to collect several errors:
//
//     package main
//
//     import (
//         "fmt"
//         "oss.nandlabs.io/gridmesh/errutils"
//     )
//
//     func main() {
//         errs := errutils.NewMultiErr(nil)
//         errs.Add(someFunction())
//         errs.Add(otherFunction())
//         if errs.HasErrors() {
//             fmt.Println(errs)
//         }
//     }
//
// In the above example, `Add` keeps every non-nil error returned by `someFunction()` and `otherFunction()`.
// The collected errors are then printed using `fmt.Println()`, one per line.
