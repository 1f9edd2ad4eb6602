package main

import "github.com/FoxMoss/wisp-server-go/cmd"

func main() {
	cmd.Execute()
}
