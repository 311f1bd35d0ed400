package main

import "github.com/killallgit/kortix/cmd"

func main() {
	cmd.Execute()
}
