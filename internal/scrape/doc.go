// Package scrape defines the shared types and ports of the scrape pipeline:
// resources, fetch requests and responses, extracted payloads, results, and
// the FetchError family that classifies terminal fetch failures.
package scrape
