// Package execution coordinates a single code execution request.
//
// The Coordinator runs the fixed pipeline
//
//	validate -> policy check -> language lookup -> workspace -> run -> release
//
// and maps every outcome, including panics inside the runner, into a
// Result. It never returns an error. Requests rejected by validation, the
// policy filter or the language lookup never touch the file system.
package execution
