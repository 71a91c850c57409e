// Package pipeline sequences fetch, verify and install for recipes and keeps
// the install record store in step with the destination root.
package pipeline
