package main

import "github.com/OpenTraceLab/OpenTraceScope/cmd/otscope/cmd"

func main() {
	cmd.Execute()
}
