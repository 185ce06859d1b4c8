package main

import (
	"github.com/luma/reveille/cmd"
)

func main() {
	cmd.Execute()
}
