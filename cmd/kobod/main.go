package main

import "github.com/kobopay/kobod/internal/cli"

func main() {
	cli.Execute()
}
