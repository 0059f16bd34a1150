// Package console is the interactive line-editor front end of the stream
// command. Each command maps onto one acquisition controller operation.
package console
