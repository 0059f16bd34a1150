// Package display renders acquisition data for a terminal: one styled label
// per channel with its newest count, and one sparkline per channel over the
// live window. Terminal ties both renderers to a writer and implements the
// acquisition view.
package display
