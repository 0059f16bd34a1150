// Package abacus contains the core domain types of the acquisition pipeline.
//
// It defines measurement rows, the channel topology an experiment streams,
// the immutable session configuration snapshot, the instrument's limits
// (supported sampling set, coincidence window range) and the error taxonomy
// shared by every layer: CommunicationError, ExperimentError and
// PersistenceError.
package abacus
