// Package main implements the mcpgate CLI.
package main

func main() {
	Execute()
}
