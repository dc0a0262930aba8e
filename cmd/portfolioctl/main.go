package main

import "portfolio-serverless/internal/cli"

func main() {
	cli.Execute()
}
