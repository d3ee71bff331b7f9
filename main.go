package main

import "github.com/audiolibrelab/duocapture/cmd"

func main() {
	cmd.Execute()
}
