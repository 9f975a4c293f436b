package main

import "github.com/linhsiu/gofepd/internal/cli"

func main() {
	cli.Execute()
}
