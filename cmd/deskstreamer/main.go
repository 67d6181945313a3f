package main

import "github.com/bryanchriswhite/DeskStreamer/cmd/deskstreamer/commands"

func main() {
	commands.Execute()
}
