package main

import "github.com/arushi18p/yata-bot/cmd"

func main() {
	cmd.Execute()
}
