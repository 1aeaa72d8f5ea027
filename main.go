package main

import "github.com/crosslane/router/cmd"

func main() {
	cmd.Execute()
}
