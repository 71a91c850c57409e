// Package config defines brewkit settings and provides helpers to load,
// validate and save them in YAML format.
//
// Defaults live under the XDG base directories: the prefix under the data
// home, archives under the cache home, and the install record store under
// the state home.
package config
