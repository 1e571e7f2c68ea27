package main

import "socialchat/cmd/chatcli/cmd"

func main() {
	cmd.Execute()
}
