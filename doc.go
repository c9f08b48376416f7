// Package covermark marks C# test and UI-scaffolding classes as excluded from
// code coverage.
//
// # Pipeline
//
// An [Engine] run works through a solution in three steps:
//
//  1. Open: the solution (.sln, .slnx or a lone .csproj) is loaded into an
//     in-memory model. Project files are evaluated for their C# compile
//     items; problems are reported as diagnostics and never stop the run.
//
//  2. Rewrite: every document of a project whose name contains the project
//     filter is parsed with tree-sitter. Class declarations carrying a
//     test-class attribute, or deriving from a configured base type prefix,
//     receive the coverage-exclusion attribute unless they already have it.
//     Comments ahead of the class stay ahead of the new attribute.
//
//  3. Apply: at the end of each project its changed documents are written
//     back to disk atomically.
//
// # Usage
//
//	e, err := covermark.New(covermark.WithLogger(logger))
//	if err != nil { ... }
//	report, err := e.Run(ctx, "Shop.sln")
//
// # Rules
//
// The markers, the base type prefixes and the inserted attribute come from
// [rewrite.Rules] and can be replaced with [WithRules]. Classes the rules do
// not select can still be qualified by Risor scripts ([WithScripts]); two
// scripts ship embedded as "builtin:nunit" and "builtin:xunit".
//
// # Ledger
//
// With [WithLedger] each run is recorded in a SQLite database together with
// the content hash of every document it checked. Documents whose hash is
// unchanged since the last run are skipped. Changing the rules or scripts
// invalidates all recorded hashes.
package covermark
