// Package cmd implements the command-line interface for tinyrpc. It provides
// a server with a set of demo functions and client commands to call them.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a tinyrpc server exposing the demo functions
//   - call: Calls a single function or benchmarks one (perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set as environment variables in the form TINYRPC_<flag>
// (e.g. TINYRPC_ENDPOINTS=localhost:7000). See tinyrpc -help for a list of all commands.
package cmd
