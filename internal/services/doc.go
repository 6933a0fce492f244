// Package services wires troubleshootd's components from configuration.
//
// Build constructs every dependency in order (sanitizer, key-value store,
// embeddings, vector index, memory tiers, model provider, classifier,
// doctrine, tool catalog, workflow engine, state repository, event
// publisher) and returns a Registry that owns them. Call Start to run the
// consolidation workers and Close to release everything in reverse order.
package services
