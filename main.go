package main

import "github.com/LollipopBuilders/sol-bridge-relayer/cmd"

func main() {
	cmd.Execute()
}
