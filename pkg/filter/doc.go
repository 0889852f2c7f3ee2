// Package filter implements the composable transform pipeline that sits
// between a connection's socket buffers and its application handler.
//
// A Filter converts between two message types, one queue per direction. An
// OOBFilter additionally sees control events (bind, closing, writability)
// travelling alongside the data. Filters compose into a Chain whose stages
// are checked at compile time: Append only accepts a factory whose input
// type equals the previous stage's output type. At runtime the chain erases
// stage types and traverses pre-allocated intermediate queues, so a
// connection pays no reflection or allocation cost per traversal.
package filter
