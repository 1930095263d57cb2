// Package cases provides the business boundary around the extraction engine.
// It defines the Service (case lifecycle, run dedup, async dispatch), the
// Store interface (persistence of cases, runs and extracted records) and the
// domain models.
package cases
