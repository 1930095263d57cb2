// Package extract is the indicator extraction workflow engine. It gates the
// host and network categories with a cheap triage call, drives each category
// through a generate/evaluate/retry loop with a bounded attempt budget, runs
// the branches concurrently and aggregates their terminal records into one
// WorkflowResult. The generation backend is reached only through Generator.
package extract
