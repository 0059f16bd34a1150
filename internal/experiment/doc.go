// Package experiment mediates between one device session and the files of an
// acquisition run.
//
// An Experiment converts device polls into rows, validates configuration
// changes before they reach the instrument and commits them only after the
// instrument accepts them, and records every accepted change in the params
// ledger. Configuration is exposed as immutable, versioned snapshots.
package experiment
