package main

import "github.com/raaihank/phi-sentinel/internal/cli"

func main() {
	cli.Execute()
}
