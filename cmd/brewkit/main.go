package main

import "github.com/oshokin/brewkit/cmd/brewkit/cmd"

func main() {
	cmd.Execute()
}
