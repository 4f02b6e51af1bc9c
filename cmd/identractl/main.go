package main

import "github.com/identra-io/identra/cmd/identractl/cmd"

func main() {
	cmd.Execute()
}
