package main

import "video-digest/cmd"

func main() {
	cmd.Execute()
}
