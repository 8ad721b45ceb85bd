package main

import "github.com/TFMV/peerbeam/cmd"

func main() {
	cmd.Execute()
}
