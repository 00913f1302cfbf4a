package main

import "github.com/nanogridbot/ngb/cmd"

func main() {
	cmd.Execute()
}
