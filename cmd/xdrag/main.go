package main

import "github.com/bryanchriswhite/xdrag/cmd/xdrag/commands"

func main() {
	commands.Execute()
}
