// Package fsm provides a finite state machine as a dense lookup table over
// (state, event kind) pairs.
//
// Transitions are declared through a builder and compiled once into a
// two-dimensional matrix indexed by enum ordinals. Bindings may use wildcards
// on either axis; at build time the most specific binding wins for every cell
// (exact > (state, *) > (*, kind) > (*, *)), so dispatch is a single array
// lookup with no runtime resolution.
package fsm
