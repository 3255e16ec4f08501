package main

import "github.com/vkngwrapper/ermalloc/cmd/erinject/cmd"

func main() {
	cmd.Execute()
}
