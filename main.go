package main

import "corrwatch/internal/cli"

func main() {
	cli.Execute()
}
