// Package manager backs the brewkit commands: it loads settings, wires the
// pipeline components and renders outcomes for people.
package manager
