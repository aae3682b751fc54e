// Package main is the entry point for the catalogcrawl service.
package main

import "github.com/catalogcrawl/catalogcrawl/cmd"

func main() {
	cmd.Execute()
}
