package main

import "github.com/lucy-agent/lucy/cmd"

func main() {
	cmd.Execute()
}
