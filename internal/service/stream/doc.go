// Package stream runs one acquisition session from the command line: it loads
// settings, opens the counter (or a simulator), builds the experiment and its
// controller, and drives them from the interactive console or headless until
// the context is canceled.
package stream
